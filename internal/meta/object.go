// Package meta provides an ordered JSON object used for free-form metadata
// such as version source metadata and change annotations.
package meta

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrNotObject is returned when a JSON payload is not an object.
var ErrNotObject = errors.New("json value is not an object")

// Object is a JSON object that remembers key insertion order and keeps
// explicit nulls distinct from absent keys. The zero value is an empty object.
type Object struct {
	keys   []string
	values map[string]any
}

// New returns an empty Object.
func New() Object {
	return Object{values: make(map[string]any)}
}

// FromPairs builds an Object from alternating key/value arguments.
func FromPairs(pairs ...any) Object {
	o := New()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		o.Set(key, pairs[i+1])
	}
	return o
}

// Parse decodes raw JSON into an Object. Anything other than a JSON object
// (arrays, strings, numbers, null) returns ErrNotObject.
func Parse(raw []byte) (Object, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Object{}, ErrNotObject
	}
	var o Object
	if err := o.UnmarshalJSON(trimmed); err != nil {
		return Object{}, err
	}
	return o, nil
}

// Len reports the number of keys.
func (o Object) Len() int {
	return len(o.keys)
}

// Keys returns the keys in insertion order.
func (o Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Has reports whether key is present, including keys holding an explicit null.
func (o Object) Has(key string) bool {
	_, ok := o.values[key]
	return ok
}

// Get returns the value for key.
func (o Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// String returns the value for key when it is a string.
func (o Object) String(key string) (string, bool) {
	v, ok := o.values[key].(string)
	return v, ok
}

// Float returns the value for key when it is numeric.
func (o Object) Float(key string) (float64, bool) {
	switch v := o.values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Set stores value under key. Existing keys keep their position.
func (o *Object) Set(key string, value any) {
	if o.values == nil {
		o.values = make(map[string]any)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Delete removes key.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a copy that shares no key slice or map with o. Nested values
// are shared; callers treat them as immutable.
func (o Object) Clone() Object {
	c := Object{
		keys:   append([]string(nil), o.keys...),
		values: make(map[string]any, len(o.values)),
	}
	for k, v := range o.values {
		c.values[k] = v
	}
	return c
}

// Merge copies every key of other into o, overwriting same-named keys.
// Explicit nulls in other are stored as nulls. Nested objects are replaced.
func (o *Object) Merge(other Object) {
	for _, k := range other.keys {
		o.Set(k, other.values[k])
	}
}

// Apply folds patch into o with tombstone semantics: keys holding an explicit
// null are deleted, every other key overwrites. Keys absent from patch are
// left untouched.
func (o *Object) Apply(patch Object) {
	for _, k := range patch.keys {
		v := patch.values[k]
		if v == nil {
			o.Delete(k)
			continue
		}
		o.Set(k, v)
	}
}

// Map returns the object as a plain map. Ordering is lost.
func (o Object) Map() map[string]any {
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

// Equal reports whether both objects hold the same keys in the same order
// with identical JSON encodings.
func (o Object) Equal(other Object) bool {
	a, errA := o.MarshalJSON()
	b, errB := other.MarshalJSON()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// MarshalJSON encodes the object with keys in insertion order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order. Nested objects
// decode into Object as well so their order survives a round trip.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotObject
	}
	decoded, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*o = decoded
	return nil
}

func decodeObject(dec *json.Decoder) (Object, error) {
	o := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Object{}, fmt.Errorf("decode key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return Object{}, fmt.Errorf("unexpected key token %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return Object{}, err
		}
		o.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return Object{}, fmt.Errorf("decode object end: %w", err)
	}
	return o, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("decode array end: %w", err)
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		return tok, nil
	}
}
