package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Value is the closed set of values an open payload or result map may hold:
// String, Number, Bool, Null, List and *Map.
type Value interface {
	isValue()
}

type (
	String string
	Number float64
	Bool   bool
	List   []Value
	Null   struct{}
)

func (String) isValue() {}
func (Number) isValue() {}
func (Bool) isValue()   {}
func (List) isValue()   {}
func (Null) isValue()   {}
func (*Map) isValue()   {}

func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Map is an insertion-ordered string-keyed map. Serialization follows the
// insertion order so persisted results are deterministic.
type Map struct {
	keys []string
	vals map[string]Value
}

func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Map) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.vals[key]
	return ok
}

func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Set stores v under key. An existing key keeps its position.
func (m *Map) Set(key string, v Value) {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if v == nil {
		v = Null{}
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

func (m *Map) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *Map) String(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(String)
	return string(s), ok
}

func (m *Map) Number(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(Number)
	return float64(n), ok
}

func (m *Map) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(Bool)
	return bool(b), ok
}

func (m *Map) Map(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	mm, ok := v.(*Map)
	return mm, ok && mm != nil
}

func (m *Map) List(key string) (List, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.(List)
	return l, ok
}

func (m *Map) StringOr(key, def string) string {
	if s, ok := m.String(key); ok {
		return s
	}
	return def
}

func (m *Map) NumberOr(key string, def float64) float64 {
	if n, ok := m.Number(key); ok {
		return n
	}
	return def
}

func (m *Map) BoolOr(key string, def bool) bool {
	if b, ok := m.Bool(key); ok {
		return b
	}
	return def
}

// Clone returns a deep copy; nested maps and lists are copied too.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{keys: make([]string, len(m.keys)), vals: make(map[string]Value, len(m.vals))}
	copy(out.keys, m.keys)
	for k, v := range m.vals {
		out.vals[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case List:
		out := make(List, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Map) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	decoded, ok := v.(*Map)
	if !ok {
		return errors.New("entity: expected a JSON object")
	}
	*m = *decoded
	return nil
}

// ParseMap decodes a JSON object, treating empty input as an empty map.
func ParseMap(b []byte) (*Map, error) {
	m := NewMap()
	if len(bytes.TrimSpace(b)) == 0 {
		return m, nil
	}
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseValue decodes any JSON document into a Value.
func ParseValue(b []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return decodeValue(dec)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("entity: unexpected object key %v", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			l := List{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				l = append(l, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return l, nil
		}
		return nil, fmt.Errorf("entity: unexpected delimiter %v", t)
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	}
	return nil, fmt.Errorf("entity: unexpected token %v", tok)
}

// FromAny converts plain Go values into a Value. Unknown types go through a
// JSON round trip.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(t), nil
	case int:
		return Number(t), nil
	case int64:
		return Number(t), nil
	case []string:
		l := make(List, len(t))
		for i, s := range t {
			l[i] = String(s)
		}
		return l, nil
	case []any:
		l := make(List, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			l[i] = ev
		}
		return l, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			ev, err := FromAny(t[k])
			if err != nil {
				return nil, err
			}
			m.Set(k, ev)
		}
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParseValue(b)
}
