package config

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Merge returns a copy of doc with every update applied under the table
// named by root. An update key "a.b.c" sets root.a.b.c; a bare key "c" sets
// root.c. Missing tables are created, whatever the leaf held before (a
// table included) is overwritten in place and everything else is left
// untouched. doc itself is not modified.
func Merge(doc *Table, updates map[string]any, root string) (*Table, error) {
	out := doc.Clone()
	for _, key := range sortedKeys(updates) {
		if err := setDotted(out, root, key, updates[key]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func setDotted(doc *Table, root, key string, value any) error {
	if value == nil {
		return fmt.Errorf("no value for %q: %w", key, errdefs.ErrInvalidArgument)
	}
	section, leaf := SplitKey(root, key)
	if leaf == "" {
		return fmt.Errorf("empty key in %q: %w", key, ErrInvalidPath)
	}
	tbl, err := doc.Table(section, true)
	if err != nil {
		return fmt.Errorf("cannot set %q: %w", key, err)
	}
	tbl.Set(leaf, value)
	return nil
}

// SplitKey maps a dotted update key onto the section path and leaf key it
// designates under root.
func SplitKey(root, key string) (section []string, leaf string) {
	if root != "" {
		section = strings.Split(root, ".")
	}
	prefix, leaf := "", key
	if i := strings.LastIndex(key, "."); i >= 0 {
		prefix, leaf = key[:i], key[i+1:]
	}
	if prefix != "" {
		section = append(section, strings.Split(prefix, ".")...)
	} else if strings.HasPrefix(key, ".") {
		section = append(section, "")
	}
	return section, leaf
}
