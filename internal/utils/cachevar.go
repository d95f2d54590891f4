package utils

import (
	"fmt"
	"sort"
	"strings"
)

// CacheVar is a single native-build-tool cache variable override
type CacheVar struct {
	Type  string
	Value string
}

// ParseCacheVars parses "KEY=VALUE" and "KEY:TYPE=VALUE" entries into a map.
// Later entries win over earlier ones with the same key.
func ParseCacheVars(entries []string) (map[string]CacheVar, error) {
	vars := make(map[string]CacheVar, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		entry = strings.TrimPrefix(entry, "-D")

		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid cache variable %q: expected KEY=VALUE", entry)
		}

		var typ string
		if k, t, hasType := strings.Cut(key, ":"); hasType {
			key, typ = k, strings.ToUpper(t)
		}

		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid cache variable %q: empty name", entry)
		}

		vars[key] = CacheVar{Type: typ, Value: value}
	}

	return vars, nil
}

// FormatCacheVars renders overrides as sorted -D arguments
func FormatCacheVars(vars map[string]CacheVar) []string {
	keys := SortedKeys(vars)
	args := make([]string, 0, len(keys))

	for _, k := range keys {
		v := vars[k]
		if v.Type != "" {
			args = append(args, "-D"+k+":"+v.Type+"="+v.Value)
			continue
		}

		args = append(args, "-D"+k+"="+v.Value)
	}

	return args
}

// SortedKeys returns the keys of a cache variable map in lexical order
func SortedKeys(vars map[string]CacheVar) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
