package livesync

import (
	"context"

	"github.com/rs/zerolog"
)

// subjectClaims maps claim names to room prefixes, in join order.
var subjectClaims = []struct {
	claim  string
	prefix string
}{
	{"user_id", "user"},
	{"id", "user"},
	{"sub", "user"},
	{"customer_id", "customer"},
	{"admin_id", "admin"},
	{"outlet_id", "outlet"},
}

// RoomsFor returns the broadcast rooms a session with claims belongs to:
// its role room followed by one room per subject claim present. The list is
// de-duplicated and its order is stable. Nil or empty claims yield nil.
func RoomsFor(claims Claims) []string {
	if len(claims) == 0 {
		return nil
	}

	var rooms []string
	seen := make(map[string]bool)
	add := func(room string) {
		if !seen[room] {
			seen[room] = true
			rooms = append(rooms, room)
		}
	}

	if role := claims.Role(); role != "" {
		add("role:" + role)
	}
	for _, sc := range subjectClaims {
		if v := claims.String(sc.claim); v != "" {
			add(sc.prefix + ":" + v)
		}
	}
	return rooms
}

// RoomNegotiator joins the rooms derived from the current credential after
// every acknowledged connection.
type RoomNegotiator struct {
	logger zerolog.Logger
}

// NewRoomNegotiator creates a negotiator.
func NewRoomNegotiator(logger zerolog.Logger) *RoomNegotiator {
	return &RoomNegotiator{logger: logger.With().Str("component", "rooms").Logger()}
}

// Install registers the negotiator as a connect hook on m.
func (n *RoomNegotiator) Install(m *Manager) {
	m.OnConnect("rooms", n.Join)
}

// Join sends a single join event for the rooms of c's credential. Nothing
// is sent when the credential carries no usable claims.
func (n *RoomNegotiator) Join(ctx context.Context, c *Connection) {
	rooms := RoomsFor(ParseClaims(c.Token()))
	if len(rooms) == 0 {
		n.logger.Debug().Str("connection", c.ID()).Msg("no rooms to join")
		return
	}
	if err := c.Emit(ctx, EventJoin, map[string][]string{"rooms": rooms}); err != nil {
		n.logger.Warn().Err(err).Strs("rooms", rooms).Msg("join failed")
		return
	}
	n.logger.Debug().Strs("rooms", rooms).Msg("joined rooms")
}
