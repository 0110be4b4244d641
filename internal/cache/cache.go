// Package cache provides the fingerprinted blob store used for step and run results.
package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrMiss is reported in Result.Error when a key is absent or expired.
var ErrMiss = errors.New("key not found")

// Result is the uniform outcome of every cache operation.
type Result struct {
	Success bool
	Data    any
	Error   string
}

// Hit reports whether a Get found a usable value.
func (r Result) Hit() bool {
	return r.Success && r.Data != nil
}

func ok(data any) Result { return Result{Success: true, Data: data} }

func fail(err error) Result { return Result{Error: err.Error()} }

// Cache is a keyed store of JSON-like trees.
type Cache interface {
	Get(ctx context.Context, key string) Result
	Set(ctx context.Context, key string, value any) Result
	Delete(ctx context.Context, key string) Result
	Clear(ctx context.Context) Result
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// MakeKey fingerprints a template name and its variables. Variables are
// normalized so that key order and numerically equal values do not matter.
func MakeKey(template string, vars map[string]any) string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(template)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(normalize(vars[k]))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes an arbitrary value with the same normalization as MakeKey.
func Fingerprint(v any) string {
	sum := md5.Sum([]byte(normalize(v)))
	return hex.EncodeToString(sum[:])
}

func normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case int:
		return formatFloat(float64(t))
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return formatFloat(reflect.ValueOf(t).Convert(reflect.TypeOf(float64(0))).Float())
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String()
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if s, err := canonicalJSON(v); err == nil {
			return s
		}
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	const scale = 1e10
	rounded := math.Round(f*scale) / scale
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

// canonicalJSON renders v with sorted keys, no spaces and no HTML escaping.
func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Encode converts a typed value into the JSON tree stored in a cache.
func Encode(v any) (any, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode cache tree: %w", err)
	}
	return tree, nil
}

// Decode converts a cached JSON tree back into a typed value.
func Decode(tree any, out any) error {
	raw, err := Marshal(tree)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}

// Marshal is the cache serializer: UTF-8 JSON, non-ASCII preserved, no indentation.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode cache value: %w", err)
	}
	return v, nil
}
