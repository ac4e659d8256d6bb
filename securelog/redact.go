package securelog

import (
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Redacted replaces values under sensitive keys.
	Redacted = "[REDACTED]"
	// MaxDepthMarker replaces values nested deeper than the configured limit.
	MaxDepthMarker = "[MAX_DEPTH]"

	truncatedSuffix = "…[truncated]"

	defaultMaxDepth     = 5
	defaultMaxStringLen = 1000
	defaultMaxItems     = 50
)

// sensitiveKeyParts mark a key as sensitive when contained in it.
var sensitiveKeyParts = []string{
	"password", "passwd", "secret", "token", "apikey", "api_key",
	"authorization", "cookie", "ssn", "private_key", "credit_card",
	"card_number", "cvv", "encryption_key", "master_key", "session_key",
}

type pattern struct {
	re      *regexp.Regexp
	replace func(string) string
}

func literal(s string) func(string) string {
	return func(string) string { return s }
}

var valuePatterns = []pattern{
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`), literal("[JWT_REDACTED]")},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.~+/]+=*`), literal("Bearer [TOKEN_REDACTED]")},
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret)\s*[=:]\s*\S+`), func(m string) string {
		i := strings.IndexAny(m, "=:")
		return strings.TrimSpace(m[:i]) + "=" + Redacted
	}},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), literal("[EMAIL_REDACTED]")},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), literal("[SSN_REDACTED]")},
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), func(m string) string {
		if luhnValid(m) {
			return "[CARD_REDACTED]"
		}
		return m
	}},
	{regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`), literal("[HEX_REDACTED]")},
}

// luhnValid reports whether the digits in s pass the Luhn checksum used by
// payment card numbers. Non-digits are ignored.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Redactor scrubs sensitive data from arbitrary values while bounding the
// work done on pathological inputs.
type Redactor struct {
	MaxDepth     int
	MaxStringLen int
	MaxItems     int
}

// DefaultRedactor returns a Redactor with the standard limits.
func DefaultRedactor() *Redactor {
	return &Redactor{
		MaxDepth:     defaultMaxDepth,
		MaxStringLen: defaultMaxStringLen,
		MaxItems:     defaultMaxItems,
	}
}

// IsSensitiveKey reports whether values stored under key must never be logged.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if k == "key" || k == "pass" || k == "pin" {
		return true
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactString masks sensitive substrings and truncates long input.
func (r *Redactor) RedactString(s string) string {
	s = r.truncate(s)
	for _, p := range valuePatterns {
		s = p.re.ReplaceAllStringFunc(s, p.replace)
	}
	return s
}

func (r *Redactor) truncate(s string) string {
	if r.MaxStringLen <= 0 || len(s) <= r.MaxStringLen {
		return s
	}
	cut := r.MaxStringLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

// Redact returns a scrubbed copy of v. Maps, slices and structs are walked
// up to MaxDepth levels; the result only contains strings, numbers, bools,
// nil, []any and map[string]any.
func (r *Redactor) Redact(v any) any {
	return r.redact(reflect.ValueOf(v), 0)
}

func (r *Redactor) redact(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > r.MaxDepth {
		return MaxDepthMarker
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		case error:
			return r.RedactString(x.Error())
		case fmt.Stringer:
			if v.Kind() != reflect.Struct && v.Kind() != reflect.Pointer {
				return r.RedactString(x.String())
			}
		}
	}

	switch v.Kind() {
	case reflect.String:
		return r.RedactString(v.String())
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return r.redact(v.Elem(), depth)
	case reflect.Map:
		// Keys are visited in sorted order so truncation is deterministic.
		entries := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries[fmt.Sprint(iter.Key().Interface())] = iter.Value()
		}
		out := make(map[string]any, min(len(entries), max(r.MaxItems, 0)+1))
		for n, k := range slices.Sorted(maps.Keys(entries)) {
			if r.MaxItems > 0 && n >= r.MaxItems {
				out["…"] = fmt.Sprintf("%d more entries", len(entries)-n)
				break
			}
			if IsSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = r.redact(entries[k], depth+1)
			}
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[%d bytes]", v.Len())
		}
		limit := v.Len()
		if r.MaxItems > 0 && limit > r.MaxItems {
			limit = r.MaxItems
		}
		out := make([]any, 0, limit+1)
		for i := 0; i < limit; i++ {
			out = append(out, r.redact(v.Index(i), depth+1))
		}
		if limit < v.Len() {
			out = append(out, fmt.Sprintf("%d more items", v.Len()-limit))
		}
		return out
	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" && tag != "-" {
				name = tag
			}
			if IsSensitiveKey(name) {
				out[name] = Redacted
				continue
			}
			out[name] = r.redact(v.Field(i), depth+1)
		}
		return out
	default:
		return fmt.Sprintf("[%s]", v.Kind())
	}
}
