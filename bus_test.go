package livesync

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTopicSubscribeAndUnsubscribe(t *testing.T) {
	topic := NewTopic[int]("numbers")
	var a, b []int
	unsubA := topic.Subscribe(func(v int) { a = append(a, v) })
	topic.Subscribe(func(v int) { b = append(b, v) })

	topic.Publish(1)
	unsubA()
	unsubA()
	topic.Publish(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, topic.Len())
	assert.Equal(t, "numbers", topic.Name())
}

func TestBusRecoversSubscriberPanics(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(zerolog.New(&buf))

	var got []string
	bus.Alerts.Subscribe(func(Alert) { panic("bad consumer") })
	bus.Alerts.Subscribe(func(a Alert) { got = append(got, a.Item.ID) })

	assert.NotPanics(t, func() {
		bus.Alerts.Publish(Alert{Item: NotificationItem{ID: "x"}})
	})
	assert.Equal(t, []string{"x"}, got)
	assert.Contains(t, buf.String(), "subscriber panicked")
	assert.Contains(t, buf.String(), "bad consumer")
}

func TestSubscribeDuringPublish(t *testing.T) {
	topic := NewTopic[string]("t")
	var late int
	topic.Subscribe(func(string) {
		topic.Subscribe(func(string) { late++ })
	})

	topic.Publish("first")
	assert.Equal(t, 0, late, "subscribers added during delivery see the next event")
	topic.Publish("second")
	assert.Equal(t, 1, late)
}
