package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
)

// Load reads the TOML document at path. The file must exist.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %q: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config %q: %w", path, err)
	}
	return t, nil
}

// Parse decodes a TOML document, keeping the order in which keys and tables
// appear in data.
func Parse(data []byte) (*Table, error) {
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	ord, err := keyOrder(data)
	if err != nil {
		return nil, err
	}
	return ord.table(m, nil), nil
}

// order records, for every table path, its child keys in the order of first
// appearance.
type order map[string][]string

func orderKey(path []string) string {
	return strings.Join(path, "\x00")
}

func (o order) add(path []string) {
	for i := range path {
		k := orderKey(path[:i])
		if !contains(o[k], path[i]) {
			o[k] = append(o[k], path[i])
		}
	}
}

func (o order) table(m map[string]any, path []string) *Table {
	t := NewTable()
	keys := o[orderKey(path)]
	for _, k := range sortedKeys(m) {
		if !contains(keys, k) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		t.keys = append(t.keys, k)
		t.values[k] = o.value(v, append(path[:len(path):len(path)], k))
	}
	return t
}

func (o order) value(v any, path []string) any {
	switch v := v.(type) {
	case map[string]any:
		return o.table(v, path)
	case []any:
		a := make([]any, len(v))
		for i, e := range v {
			a[i] = o.value(e, path)
		}
		return a
	default:
		return v
	}
}

func keyOrder(data []byte) (order, error) {
	ord := make(order)
	var p unstable.Parser
	p.Reset(data)
	var current []string
	for p.NextExpression() {
		e := p.Expression()
		switch e.Kind {
		case unstable.Table, unstable.ArrayTable:
			current = keyPath(e.Key())
			ord.add(current)
		case unstable.KeyValue:
			ord.add(append(current[:len(current):len(current)], keyPath(e.Key())...))
		}
	}
	return ord, p.Error()
}

func keyPath(it unstable.Iterator) []string {
	var parts []string
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return parts
}

// Marshal encodes t as TOML. Leaf values of a table precede its sub-tables;
// otherwise keys are written in document order.
func Marshal(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeTable(&buf, t, nil, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes t to path, replacing the file atomically and keeping its mode.
// A symlinked path is written through to its target.
func Save(path string, t *Table) error {
	data, err := Marshal(t)
	if err != nil {
		return fmt.Errorf("cannot encode config %q: %w", path, err)
	}
	if p, err := filepath.EvalSymlinks(path); err == nil {
		path = p
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot resolve config %q: %w", path, err)
	}
	mode := os.FileMode(0644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("cannot write config %q: %w", path, err)
	}
	return nil
}

func writeTable(buf *bytes.Buffer, t *Table, path []string, arrayElem bool) error {
	var leaves, children []string
	for _, k := range t.keys {
		if isSection(t.values[k]) {
			children = append(children, k)
		} else {
			leaves = append(leaves, k)
		}
	}
	if arrayElem || (len(path) > 0 && (len(leaves) > 0 || len(children) == 0)) {
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		if arrayElem {
			fmt.Fprintf(buf, "[[%s]]\n", headerKey(path))
		} else {
			fmt.Fprintf(buf, "[%s]\n", headerKey(path))
		}
	}
	for _, k := range leaves {
		b, err := toml.Marshal(map[string]any{k: plain(t.values[k])})
		if err != nil {
			return fmt.Errorf("cannot encode %q: %w", headerKey(append(path[:len(path):len(path)], k)), err)
		}
		buf.Write(b)
	}
	for _, k := range children {
		sub := append(path[:len(path):len(path)], k)
		switch v := t.values[k].(type) {
		case *Table:
			if err := writeTable(buf, v, sub, false); err != nil {
				return err
			}
		case []any:
			for _, e := range v {
				if err := writeTable(buf, e.(*Table), sub, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// isSection reports whether v is written under a header: a table or a
// non-empty array made only of tables.
func isSection(v any) bool {
	switch v := v.(type) {
	case *Table:
		return true
	case []any:
		if len(v) == 0 {
			return false
		}
		for _, e := range v {
			if _, ok := e.(*Table); !ok {
				return false
			}
		}
		return true
	}
	return false
}

var bareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func headerKey(path []string) string {
	parts := make([]string, len(path))
	for i, k := range path {
		if bareKey.MatchString(k) {
			parts[i] = k
		} else {
			parts[i] = quoteKey(k)
		}
	}
	return strings.Join(parts, ".")
}

// quoteKey writes k as a TOML basic string.
func quoteKey(k string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range k {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
