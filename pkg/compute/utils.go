// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package compute provides the pure "raven/utils" namespace. Every member
// runs synchronously on the caller's goroutine and holds no shared state.
package compute

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/ncruces/go-strftime"
	"golang.org/x/crypto/blake2b"
)

// Namespace is the import path of the utilities.
const Namespace = "raven/utils"

const (
	defaultDateLayout   = "%Y-%m-%d %H:%M:%S"
	defaultRandomLength = 16
	maxRandomLength     = 4096
	alphanumeric        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var hashers = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
}

// Option configures the utilities.
type Option func(*utils)

// WithClock replaces the clock used by timestamp.
func WithClock(now func() time.Time) Option {
	return func(u *utils) { u.now = now }
}

type utils struct {
	now func() time.Time
}

// Register adds the utilities namespace to the registry.
func Register(r *capability.Registry, opts ...Option) error {
	if err := r.RegisterNamespace(capability.Namespace{
		Path:        Namespace,
		Identifier:  "utils",
		Description: "Pure helpers: encoding, hashing, arithmetic and time.",
		Version:     "1.0",
	}); err != nil {
		return err
	}
	return r.RegisterAll(Descriptors(opts...)...)
}

// Descriptors returns the pure descriptors of the namespace.
func Descriptors(opts ...Option) []capability.Descriptor {
	u := &utils{now: time.Now}
	for _, opt := range opts {
		opt(u)
	}
	return []capability.Descriptor{
		pure("reverse", u.reverse, `{"type":"object","required":["s"],"additionalProperties":false,
			"properties":{"s":{"type":"string"}}}`, "s"),
		pure("base64Encode", u.base64Encode, `{"type":"object","required":["s"],"additionalProperties":false,
			"properties":{"s":{"type":"string"}}}`, "s"),
		pure("base64Decode", u.base64Decode, `{"type":"object","required":["s"],"additionalProperties":false,
			"properties":{"s":{"type":"string"}}}`, "s"),
		pure("hash", u.hash, `{"type":"object","required":["s"],"additionalProperties":false,
			"properties":{"s":{"type":"string"},"algorithm":{"type":"string","enum":["sha256","sha512","blake2b"]}}}`,
			"s", "algorithm"),
		pure("sum", u.sum, numbersSchema, "numbers"),
		pure("average", u.average, numbersSchema, "numbers"),
		pure("timestamp", u.timestamp, `{"type":"object","additionalProperties":false}`),
		pure("prettyJson", u.prettyJSON, `{"type":"object","required":["value"],"additionalProperties":false,
			"properties":{"value":{}}}`, "value"),
		pure("formatDate", u.formatDate, `{"type":"object","required":["ms"],"additionalProperties":false,
			"properties":{"ms":{"type":"number"},"layout":{"type":"string"}}}`, "ms", "layout"),
		pure("randomString", u.randomString, `{"type":"object","additionalProperties":false,
			"properties":{"length":{"type":"integer","minimum":0,"maximum":4096}}}`, "length"),
	}
}

const numbersSchema = `{"type":"object","required":["numbers"],"additionalProperties":false,
	"properties":{"numbers":{"type":"array","items":{"type":"number"}}}}`

func pure(member string, fn capability.PureFunc, schema string, args ...string) capability.Descriptor {
	return capability.Descriptor{
		Namespace: Namespace,
		Member:    member,
		Kind:      capability.KindPure,
		Args:      args,
		Params:    json.RawMessage(schema),
		Pure:      fn,
	}
}

func (u *utils) reverse(p map[string]any) (any, error) {
	runes := []rune(p["s"].(string))
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

func (u *utils) base64Encode(p map[string]any) (any, error) {
	return base64.StdEncoding.EncodeToString([]byte(p["s"].(string))), nil
}

func (u *utils) base64Decode(p map[string]any) (any, error) {
	out, err := base64.StdEncoding.DecodeString(p["s"].(string))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParams, "base64Decode: malformed input", err).
			WithContext("capability", Namespace+".base64Decode").
			WithContext("field", "s")
	}
	return string(out), nil
}

func (u *utils) hash(p map[string]any) (any, error) {
	algorithm, _ := p["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}
	h := hashers[algorithm]()
	h.Write([]byte(p["s"].(string)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (u *utils) sum(p map[string]any) (any, error) {
	numbers, err := aggregate(p, "sum")
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, n := range numbers {
		total += n.(float64)
	}
	return total, nil
}

func (u *utils) average(p map[string]any) (any, error) {
	total, err := u.sum(p)
	if err != nil {
		return nil, err
	}
	return total.(float64) / float64(len(p["numbers"].([]any))), nil
}

// aggregate returns the validated number sequence of sum and average,
// which are undefined on an empty one.
func aggregate(p map[string]any, member string) ([]any, error) {
	numbers := p["numbers"].([]any)
	if len(numbers) == 0 {
		return nil, errors.New(errors.CodeInvalidParams, member+" of an empty sequence", nil).
			WithContext("capability", Namespace+"."+member).
			WithContext("field", "numbers")
	}
	return numbers, nil
}

func (u *utils) timestamp(map[string]any) (any, error) {
	return u.now().UnixMilli(), nil
}

// prettyJSON re-indents JSON text, or encodes any other value.
func (u *utils) prettyJSON(p map[string]any) (any, error) {
	value := p["value"]
	if s, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, errors.New(errors.CodeInvalidParams, "prettyJson: invalid JSON text", err).
				WithContext("capability", Namespace+".prettyJson")
		}
		value = parsed
	}
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParams, "prettyJson: value is not serializable", err)
	}
	return string(out), nil
}

func (u *utils) formatDate(p map[string]any) (any, error) {
	layout, _ := p["layout"].(string)
	if layout == "" {
		layout = defaultDateLayout
	}
	ms := int64(p["ms"].(float64))
	return strftime.Format(layout, time.UnixMilli(ms).UTC()), nil
}

func (u *utils) randomString(p map[string]any) (any, error) {
	length := defaultRandomLength
	if n, ok := p["length"].(float64); ok {
		length = int(n)
	}
	if length > maxRandomLength {
		return nil, errors.New(errors.CodeInvalidParams, fmt.Sprintf("randomString: length above %d", maxRandomLength), nil)
	}
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "randomString: entropy source failed", err)
		}
		b.WriteByte(alphanumeric[n.Int64()])
	}
	return b.String(), nil
}
