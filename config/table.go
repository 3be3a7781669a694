// Package config reads, merges and writes the TOML documents used by
// containers/image and containers/storage.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/containerd/errdefs"
)

// ErrInvalidPath is returned when a key path runs through a value that is
// not a table, or contains an empty segment.
var ErrInvalidPath = fmt.Errorf("invalid configuration path: %w", errdefs.ErrInvalidArgument)

// Table is a node of a configuration document. Keys keep the order in which
// they were read or inserted. Values are *Table, []any or scalars.
type Table struct {
	keys   []string
	values map[string]any
}

func NewTable() *Table {
	return &Table{values: make(map[string]any)}
}

// Keys returns the keys of t in document order.
func (t *Table) Keys() []string {
	return append([]string(nil), t.keys...)
}

func (t *Table) Len() int {
	return len(t.keys)
}

func (t *Table) Get(key string) (any, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Set stores v under key. An existing key keeps its position; a new key is
// appended.
func (t *Table) Set(key string, v any) {
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = normalize(v)
}

// Lookup walks path from t and returns the value found at its end.
func (t *Table) Lookup(path ...string) (any, bool) {
	var cur any = t
	for _, k := range path {
		tbl, ok := cur.(*Table)
		if !ok {
			return nil, false
		}
		if cur, ok = tbl.values[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Table returns the table at path. When create is true, missing tables on
// the way are created. A non-table value on the path is an ErrInvalidPath.
func (t *Table) Table(path []string, create bool) (*Table, error) {
	cur := t
	for i, k := range path {
		if k == "" {
			return nil, fmt.Errorf("empty key segment in %q: %w", strings.Join(path, "."), ErrInvalidPath)
		}
		v, ok := cur.values[k]
		if !ok {
			if !create {
				return nil, fmt.Errorf("table %q: %w", strings.Join(path[:i+1], "."), errdefs.ErrNotFound)
			}
			next := NewTable()
			cur.Set(k, next)
			cur = next
			continue
		}
		next, ok := v.(*Table)
		if !ok {
			return nil, fmt.Errorf("%q holds a %T, not a table: %w", strings.Join(path[:i+1], "."), v, ErrInvalidPath)
		}
		cur = next
	}
	return cur, nil
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := &Table{
		keys:   append([]string(nil), t.keys...),
		values: make(map[string]any, len(t.values)),
	}
	for k, v := range t.values {
		c.values[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *Table:
		return v.Clone()
	case []any:
		if v == nil {
			return v
		}
		a := make([]any, len(v))
		for i, e := range v {
			a[i] = cloneValue(e)
		}
		return a
	default:
		return v
	}
}

// Map projects t onto plain maps and slices, dropping key order.
func (t *Table) Map() map[string]any {
	m := make(map[string]any, len(t.values))
	for k, v := range t.values {
		m[k] = plain(v)
	}
	return m
}

func plain(v any) any {
	switch v := v.(type) {
	case *Table:
		return v.Map()
	case []any:
		if v == nil {
			return v
		}
		a := make([]any, len(v))
		for i, e := range v {
			a[i] = plain(e)
		}
		return a
	default:
		return v
	}
}

// normalize converts caller supplied values into the document's value
// space: slices become []any, maps become *Table and integers int64.
func normalize(v any) any {
	switch v := v.(type) {
	case nil, *Table, string, bool, int64, float64:
		return v
	case []any:
		if v == nil {
			return v
		}
		a := make([]any, len(v))
		for i, e := range v {
			a[i] = normalize(e)
		}
		return a
	case map[string]any:
		return tableFromMap(v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		a := make([]any, rv.Len())
		for i := range a {
			a[i] = normalize(rv.Index(i).Interface())
		}
		return a
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			return tableFromMap(m)
		}
	}
	return v
}

func tableFromMap(m map[string]any) *Table {
	t := NewTable()
	for _, k := range sortedKeys(m) {
		t.Set(k, m[k])
	}
	return t
}
