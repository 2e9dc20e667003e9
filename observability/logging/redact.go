package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces buyer-identifying values in log output. Device
// addresses, receiving addresses and refund addresses all go through
// MaskField before they reach a log line.
const RedactedValue = "[REDACTED]"

// safeKeys are the only keys whose values may appear in logs unmasked.
// Everything here is either operational (component, network) or already
// public on chain (txid, unit).
var safeKeys = map[string]struct{}{
	"component": {},
	"currency":  {},
	"env":       {},
	"error":     {},
	"message":   {},
	"network":   {},
	"reason":    {},
	"service":   {},
	"severity":  {},
	"timestamp": {},
	"tokens":    {},
	"txid":      {},
	"unit":      {},
}

// IsAllowlisted reports whether values under key may be logged unmasked.
// Matching is case-insensitive.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the unmasked keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(safeKeys))
	for key := range safeKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks a non-empty value. Empty strings come back unchanged so
// absent fields stay readable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr, masking the value unless the key is
// allowlisted or the value is empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
