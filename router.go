package livesync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Explicit rules
// ============================================================================

type ruleFunc func(f fields) (title, message string, sev Severity)

// explicitRules are the well-known events with dedicated wording. Events
// listed here never reach the fallback classifier.
var explicitRules = map[string]ruleFunc{
	"invoice.notify":           invoiceNotify,
	"payment.created":          paymentCreated,
	"payment.updated":          paymentUpdated,
	"customer.created":         customerCreated,
	"customer.updated":         customerUpdated,
	"order.created":            orderCreated,
	"order.updated":            orderUpdated,
	"order.status_bot.updated": orderStatusBotUpdated,
}

// controlEvents carry protocol traffic and never become notifications.
var controlEvents = map[string]bool{
	EventConnected:    true,
	EventConnectError: true,
	EventJoin:         true,
	EventPong:         true,
	EventError:        true,
}

// IsExplicitEvent reports whether event has a dedicated rule.
func IsExplicitEvent(event string) bool {
	_, ok := explicitRules[event]
	return ok
}

func statusSeverity(status string, fallback Severity) Severity {
	if status == "" {
		return fallback
	}
	if sev := ClassifySeverity(status); sev != SeverityInfo {
		return sev
	}
	return fallback
}

func withAmount(msg string, f fields) string {
	if v, ok := f.amount(moneyKeys...); ok {
		return msg + " " + FormatIDR(v)
	}
	return msg
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func customerName(f fields) string {
	if name := f.str("nama_customer", "customer_name", "nama_pelanggan"); name != "" {
		return name
	}
	if c := f.nested("customer"); c != nil {
		return c.str("nama", "name")
	}
	return ""
}

func invoiceNotify(f fields) (string, string, Severity) {
	no := f.str("no_invoice", "invoice_no", "nomor")
	title := "Invoice"
	if no != "" {
		title = "Invoice " + no
	}
	msg := f.str("message", "pesan")
	if msg == "" {
		msg = collapseSpaces(withAmount("Invoice "+no+" issued", f))
		if name := customerName(f); name != "" {
			msg += " for " + name
		}
	}
	return title, msg, statusSeverity(f.str("status"), SeverityInfo)
}

func paymentCreated(f fields) (string, string, Severity) {
	no := f.str("no_transaksi", "payment_no", "id")
	msg := collapseSpaces(withAmount("Payment "+no+" recorded", f))
	if name := customerName(f); name != "" {
		msg += " from " + name
	}
	return "Payment received", msg, statusSeverity(f.str("status"), SeveritySuccess)
}

func paymentUpdated(f fields) (string, string, Severity) {
	no := f.str("no_transaksi", "payment_no", "id")
	status := f.str("status")
	msg := "Payment " + no + " updated"
	if status != "" {
		msg = "Payment " + no + " is now " + status
	}
	return "Payment updated", collapseSpaces(msg), statusSeverity(status, SeverityInfo)
}

func customerCreated(f fields) (string, string, Severity) {
	name := orDefault(f.str("nama", "name", "nama_customer"), "A new customer")
	return "New customer", name + " registered", SeveritySuccess
}

func customerUpdated(f fields) (string, string, Severity) {
	name := orDefault(f.str("nama", "name", "nama_customer"), "Customer")
	return "Customer updated", name + " was updated", SeverityInfo
}

func orderCreated(f fields) (string, string, Severity) {
	no := f.str("no_order", "order_no", "kode", "id")
	msg := "Order " + no + " placed"
	if name := customerName(f); name != "" {
		msg += " by " + name
	}
	return "New order", collapseSpaces(withAmount(msg, f)), SeveritySuccess
}

func orderUpdated(f fields) (string, string, Severity) {
	no := f.str("no_order", "order_no", "kode", "id")
	status := f.str("status", "status_order")
	msg := "Order " + no + " updated"
	if status != "" {
		msg = "Order " + no + " is now " + status
	}
	return "Order updated", collapseSpaces(msg), statusSeverity(status, SeverityInfo)
}

func orderStatusBotUpdated(f fields) (string, string, Severity) {
	no := f.str("no_order", "order_no", "kode", "id")
	status := f.str("status_bot", "status")
	msg := "Automated status for order " + no + ": " + orDefault(status, "unknown")
	return "Order status updated", collapseSpaces(msg), statusSeverity(status, SeverityInfo)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ============================================================================
// Router
// ============================================================================

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithOpenCenter makes the router surface the notification center for
// every routed event.
func WithOpenCenter(open bool) RouterOption {
	return func(r *Router) { r.openCenter = open }
}

// WithClock overrides the time source used for items without a payload
// timestamp.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// Router turns inbound realtime events into notification items.
type Router struct {
	store      *Store
	bus        *Bus
	metrics    *Metrics
	logger     zerolog.Logger
	openCenter bool
	now        func() time.Time
}

// NewRouter creates a router feeding store and publishing alerts on bus.
func NewRouter(store *Store, bus *Bus, metrics *Metrics, logger zerolog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With().Str("component", "router").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install attaches the router to m.
func (r *Router) Install(m *Manager) {
	m.Attach("router", r.Handle)
}

// Handle is the connection Handler for the router.
func (r *Router) Handle(_ context.Context, _ *Connection, env Envelope) {
	r.Route(env)
}

// Build constructs the notification item for env without touching the
// store. It reports false for control events.
func (r *Router) Build(env Envelope) (NotificationItem, Severity, string, bool) {
	if env.Type == "" || controlEvents[env.Type] {
		return NotificationItem{}, "", "", false
	}

	f := decodeFields(env.Payload)
	var (
		title, message string
		sev            Severity
		rule           = "fallback"
	)
	if fn, ok := explicitRules[env.Type]; ok {
		title, message, sev = fn(f)
		rule = env.Type
	} else {
		title, message, sev = fallbackItem(env.Type, env.Payload, f)
	}

	item := NotificationItem{
		ID:        "rt-" + uuid.NewString(),
		Title:     title,
		Message:   message,
		Event:     env.Type,
		Payload:   env.Payload,
		Timestamp: r.timestamp(f),
	}
	return item, sev, rule, true
}

// Route builds the item for env, prepends it to the store, bumps the
// unread counter by one and publishes an alert.
func (r *Router) Route(env Envelope) (NotificationItem, bool) {
	item, sev, rule, ok := r.Build(env)
	if !ok {
		return NotificationItem{}, false
	}

	r.store.prependUnread(item)
	if r.openCenter {
		r.store.OpenCenter()
	}

	r.metrics.eventRouted(rule, sev)
	r.logger.Debug().
		Str("event", env.Type).
		Str("rule", rule).
		Str("severity", string(sev)).
		Str("item", item.ID).
		Msg("notification routed")

	if r.bus != nil {
		r.bus.Alerts.Publish(Alert{Item: item, Severity: sev, Rule: rule})
	}
	return item, true
}

func (r *Router) timestamp(f fields) string {
	for _, key := range []string{"created_at", "updated_at", "timestamp"} {
		if s := f.str(key); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
	}
	return r.now().UTC().Format(time.RFC3339)
}

