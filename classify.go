package livesync

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// ============================================================================
// Severity rules
// ============================================================================

// severityRule maps a predicate over a lower-cased word list to a severity.
type severityRule struct {
	name     string
	severity Severity
	match    func(words []string) bool
}

var (
	failurePrefixes = []string{"fail", "error", "reject", "denied", "deny", "cancel", "expire", "invalid", "declin", "refus"}
	successPrefixes = []string{"creat", "success", "succeed", "paid", "complet", "approv", "confirm", "settl", "done", "lunas"}
)

// severityRules is evaluated in order; the first match wins.
var severityRules = []severityRule{
	{name: "failure", severity: SeverityError, match: anyWordHasPrefix(failurePrefixes)},
	{name: "success", severity: SeveritySuccess, match: anyWordHasPrefix(successPrefixes)},
}

func anyWordHasPrefix(prefixes []string) func([]string) bool {
	return func(words []string) bool {
		for _, w := range words {
			for _, p := range prefixes {
				if strings.HasPrefix(w, p) {
					return true
				}
			}
		}
		return false
	}
}

// ClassifySeverity derives a severity from an event name or status string.
func ClassifySeverity(s string) Severity {
	words := splitWords(s)
	for _, r := range severityRules {
		if r.match(words) {
			return r.severity
		}
	}
	return SeverityInfo
}

// splitWords breaks s on non-alphanumerics and camelCase boundaries
// ("paymentFailed", "HTTPError") and lower-cases the words.
func splitWords(s string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := cur[len(cur)-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// ============================================================================
// Payload fields
// ============================================================================

// fields is a decoded event payload. Non-object payloads decode to nil.
type fields map[string]any

func decodeFields(raw json.RawMessage) fields {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return fields(m)
}

// str returns the first non-empty scalar value among keys.
func (f fields) str(keys ...string) string {
	for _, k := range keys {
		switch v := f[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// nested returns the object under key, or nil.
func (f fields) nested(key string) fields {
	if m, ok := f[key].(map[string]any); ok {
		return fields(m)
	}
	return nil
}

// amount returns the first numeric value among keys. Numeric strings are
// accepted.
func (f fields) amount(keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := f[k].(type) {
		case json.Number:
			if n, err := v.Float64(); err == nil {
				return n, true
			}
		case float64:
			return v, true
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

var moneyKeys = []string{"nominal", "amount", "total", "grand_total", "jumlah", "total_bayar"}

// FormatIDR renders v as Indonesian rupiah, e.g. "Rp 5.000".
func FormatIDR(v float64) string {
	s := humanize.FormatFloat("#.###,", math.Abs(v))
	if v < 0 {
		return "-Rp " + s
	}
	return "Rp " + s
}

// ============================================================================
// Fallback classifier
// ============================================================================

// identifyingKeys are payload fields that name the affected record.
var identifyingKeys = []string{
	"no_invoice", "invoice_no", "no_transaksi", "no_order", "order_no",
	"kode", "code", "nama", "name", "id",
}

const (
	maxSnippetRunes     = 120
	fallbackPlaceholder = "New activity received"
)

// fallbackItem builds title, message and severity for an event without an
// explicit rule.
func fallbackItem(event string, raw json.RawMessage, f fields) (title, message string, sev Severity) {
	var ids []string
	for _, k := range identifyingKeys {
		if v := f.str(k); v != "" {
			ids = append(ids, v)
		}
	}
	title = event
	if len(ids) > 0 {
		title = event + ": " + strings.Join(ids, ", ")
	}

	switch {
	case f.str("message", "pesan") != "":
		message = f.str("message", "pesan")
	case f.str("status") != "":
		message = f.str("status")
	default:
		if v, ok := f.amount(moneyKeys...); ok {
			message = FormatIDR(v)
		} else if s := snippet(raw); s != "" {
			message = s
		} else {
			message = fallbackPlaceholder
		}
	}

	return title, message, ClassifySeverity(event)
}

// snippet renders a payload compactly, truncated to maxSnippetRunes.
func snippet(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		s = strings.TrimSpace(s)
	} else {
		var buf bytes.Buffer
		if json.Compact(&buf, raw) != nil {
			return ""
		}
		s = buf.String()
	}

	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxSnippetRunes]) + "…"
}
