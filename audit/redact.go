package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects the redaction strategy applied to payload values before
// persistence.
type Mode string

const (
	// ModeStrict replaces every string value with a stable {hash, length} pair.
	ModeStrict Mode = "strict"
	// ModeDebug truncates strings to a configured limit; sensitive keys are
	// still elided.
	ModeDebug Mode = "debug"
)

const redacted = "[REDACTED]"

// sensitiveKeyPattern matches payload keys whose values must always become
// the literal redacted marker, case-insensitively.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(api_key|token|secret|password|authorization|cookie|set-cookie|x-api-key)`)

// envStyleSuffix matches SCREAMING_SNAKE_CASE env-var-like keys ending in a
// sensitive suffix.
var envStyleSuffix = regexp.MustCompile(`(?i)(TOKEN|SECRET|PASSWORD|API_KEY)$`)

// alwaysHashedFields are hashed even in debug mode because they routinely
// carry prompt/response content.
var alwaysHashedFields = map[string]bool{
	"prompt": true, "response": true, "messages": true,
	"input": true, "output": true, "body": true, "content": true,
}

// normalizedSensitiveSuffixes catches keys whose separator style (camelCase,
// no separator at all) defeats sensitiveKeyPattern's literal underscore, once
// the key has had its separators stripped and been lowercased.
var normalizedSensitiveSuffixes = []string{"apikey", "xapikey"}

func isSensitiveKey(key string) bool {
	if sensitiveKeyPattern.MatchString(key) || envStyleSuffix.MatchString(key) {
		return true
	}
	norm := normalizeKey(key)
	for _, suffix := range normalizedSensitiveSuffixes {
		if strings.Contains(norm, suffix) {
			return true
		}
	}
	return false
}

// normalizeKey lowercases key and strips separator characters, so
// "apiKey", "api_key", "API-KEY" and "apikey" all collapse to "apikey".
func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Redactor redacts a raw payload map according to a configured Mode and
// debug truncation limit.
type Redactor struct {
	Mode            Mode
	DebugCharLimit  int
	MaxPayloadBytes int
}

// NewRedactor builds a Redactor, applying a default debug char limit (200)
// and payload byte cap (256 KiB) when zero values are given.
func NewRedactor(mode Mode, debugCharLimit, maxPayloadBytes int) *Redactor {
	if debugCharLimit <= 0 {
		debugCharLimit = 200
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 256 * 1024
	}
	return &Redactor{Mode: mode, DebugCharLimit: debugCharLimit, MaxPayloadBytes: maxPayloadBytes}
}

// Redact returns a redacted copy of payload, never mutating the input.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	seen := make(map[uintptr]bool)
	out := r.redactValue("", payload, seen).(map[string]any)
	return out
}

func (r *Redactor) redactValue(key string, v any, seen map[uintptr]bool) any {
	switch val := v.(type) {
	case map[string]any:
		addr := mapAddr(val)
		if seen[addr] {
			return map[string]any{"$cyclic": true}
		}
		seen[addr] = true
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			if alwaysHashedFields[strings.ToLower(k)] {
				out[k] = r.hashValue(vv)
				continue
			}
			out[k] = r.redactValue(k, vv, seen)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = r.redactValue(key, vv, seen)
		}
		return out
	case string:
		return r.redactString(val)
	case int64, int, float64, bool, nil:
		return maybeTagBigInt(val)
	default:
		return val
	}
}

func (r *Redactor) redactString(s string) any {
	if r.Mode == ModeStrict {
		return hashTag(s)
	}
	if len(s) > r.DebugCharLimit {
		return s[:r.DebugCharLimit] + "...(truncated)"
	}
	return s
}

func (r *Redactor) hashValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return hashTag(toDisplayString(v))
	}
	return hashTag(s)
}

func hashTag(s string) map[string]any {
	h := sha256.Sum256([]byte(s))
	return map[string]any{"hash": hex.EncodeToString(h[:]), "length": len(s)}
}

func toDisplayString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		return ""
	}
}

// mapAddr gives a stable cycle-detection key for a nested map value, using
// the underlying runtime map header's address.
func mapAddr(m map[string]any) uintptr {
	return reflect.ValueOf(m).Pointer()
}

// maybeTagBigInt tags integers outside float64's exact-integer range as
// strings so precision is not silently lost in the persisted JSON.
func maybeTagBigInt(v any) any {
	const maxSafeInt = int64(1) << 53
	if n, ok := v.(int64); ok {
		if n > maxSafeInt || n < -maxSafeInt {
			return map[string]any{"bigint": true, "value": strconv.FormatInt(n, 10)}
		}
	}
	return v
}
