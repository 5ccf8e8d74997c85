package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docqa/internal/config"
)

const redactedValue = "[REDACTED]"

// Secret logs whether a credential is configured and how long it is,
// never its value. The summary survives key redaction.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Stringer(key, secretSummary(len(val.Value())))
}

type secretSummary int

func (n secretSummary) String() string {
	if n == 0 {
		return "[unset]"
	}
	return "[REDACTED:" + strconv.Itoa(int(n)) + "]"
}

// redactingEncoder masks credential keys and scrubs token-shaped substrings
// from messages and string values.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactingEncoder(base zapcore.Encoder, keys, scrub []string) (*redactingEncoder, error) {
	e := &redactingEncoder{Encoder: base, keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		e.keys[strings.ToLower(k)] = true
	}
	for _, p := range scrub {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scrub pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *redactingEncoder) sensitive(key string) bool {
	key = strings.ToLower(key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	return e.keys[key]
}

func (e *redactingEncoder) scrub(val string) string {
	for _, re := range e.patterns {
		val = re.ReplaceAllString(val, redactedValue)
	}
	return val
}

// EncodeEntry handles per-call fields. Fields bound with With reach the
// Add methods below instead.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if _, ok := f.Interface.(secretSummary); ok {
			out[i] = f
			continue
		}
		switch {
		case e.sensitive(f.Key):
			f = zap.String(f.Key, redactedValue)
		case f.Type == zapcore.StringType:
			f.String = e.scrub(f.String)
		}
		out[i] = f
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redactedValue
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
