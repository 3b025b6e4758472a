// Package redact masks or strips well-known secret fields from nested
// request/response payloads before they reach a log line.
package redact

import (
	"strings"
	"sync"
)

var defaultSensitiveNames = []string{
	"password",
	"token",
	"api_key",
	"apikey",
	"secret",
	"cvv",
	"pin",
	"ssn",
	"credit_card",
	"bearer_token",
	"private_key",
	"salt",
}

// Filter holds a mutable, case-insensitive deny-list of field names
// considered sensitive. The zero value is not usable; construct with New.
type Filter struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// New returns a Filter seeded with the built-in deny-list.
func New() *Filter {
	f := &Filter{names: make(map[string]struct{}, len(defaultSensitiveNames))}
	for _, n := range defaultSensitiveNames {
		f.names[strings.ToLower(n)] = struct{}{}
	}
	return f
}

// Add registers an additional field name as sensitive.
func (f *Filter) Add(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[strings.ToLower(name)] = struct{}{}
}

// Remove drops a field name from the deny-list.
func (f *Filter) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.names, strings.ToLower(name))
}

// IsSensitive reports whether name is on the deny-list, case-insensitively.
func (f *Filter) IsSensitive(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.names[strings.ToLower(name)]
	return ok
}

// Mask recursively replaces matching fields in data with a partially
// obscured placeholder. data is not modified; a new map tree is returned.
func (f *Filter) Mask(data map[string]any) map[string]any {
	return f.walk(data, maskValue)
}

// StripForLog recursively omits matching fields from data entirely.
func (f *Filter) StripForLog(data map[string]any) map[string]any {
	return f.walk(data, nil)
}

// transform produces the replacement for a sensitive leaf value; a nil
// transform means "omit the field".
type transform func(any) any

func (f *Filter) walk(data map[string]any, t transform) map[string]any {
	if data == nil {
		return nil
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		if f.IsSensitive(k) {
			if t == nil {
				continue
			}
			out[k] = t(v)
			continue
		}

		switch vv := v.(type) {
		case map[string]any:
			out[k] = f.walk(vv, t)
		case []any:
			out[k] = f.walkSlice(vv, t)
		default:
			out[k] = v
		}
	}
	return out
}

func (f *Filter) walkSlice(items []any, t transform) []any {
	out := make([]any, len(items))
	for i, item := range items {
		switch vv := item.(type) {
		case map[string]any:
			out[i] = f.walk(vv, t)
		case []any:
			out[i] = f.walkSlice(vv, t)
		default:
			out[i] = item
		}
	}
	return out
}

func maskValue(v any) any {
	switch s := v.(type) {
	case nil:
		return "***"
	case string:
		return maskString(s)
	default:
		return "***"
	}
}

// maskString turns a string of length <= 4 into one asterisk per
// character (e.g. "123" -> "***"), or keeps the
// first/last 2 characters with the middle replaced by asterisks.
func maskString(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	head := s[:2]
	tail := s[len(s)-2:]
	middle := strings.Repeat("*", len(s)-4)
	return head + middle + tail
}
