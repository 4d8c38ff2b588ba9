package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentflow/internal/config"
)

const (
	redactedKey     = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as "[REDACTED:<len>]".
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder masks sensitive fields before they reach the wrapped
// encoder. Keys are matched case-insensitively for string, reflected and
// object values; patterns apply to string values only.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with the rules in r.
func NewRedactingEncoder(base zapcore.Encoder, r Redaction) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base, keys: make(map[string]struct{}, len(r.Keys))}
	for _, k := range r.Keys {
		enc.keys[strings.ToLower(k)] = struct{}{}
	}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		enc.patterns = append(enc.patterns, re)
	}
	return enc, nil
}

func (e *RedactingEncoder) masked(key string) bool {
	_, ok := e.keys[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.masked(key):
		val = redactedKey
	case e.matchesPattern(val):
		val = redactedPattern
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) matchesPattern(val string) bool {
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.masked(key) {
		e.Encoder.AddString(key, redactedKey)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// EncodeEntry adds the entry's fields through the masking Add methods.
// Passing them to the wrapped encoder directly would bypass them.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	c := e.clone()
	for _, f := range fields {
		f.AddTo(c)
	}
	return c.Encoder.EncodeEntry(ent, nil)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return e.clone()
}

func (e *RedactingEncoder) clone() *RedactingEncoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
