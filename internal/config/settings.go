package config

import (
	"fmt"
	"sort"
	"strings"
)

// listKeys are config-settings whose values are ';'-separated lists
var listKeys = map[string]bool{
	"cmake.define":            true,
	"build.targets":           true,
	"install.components":      true,
	"wheel.packages":          true,
	"editable.rebuild-inputs": true,
}

const definePrefix = "cmake.define."

// ParseConfigSettings turns repeated "key=value" arguments into a settings map.
// Repeated list keys are joined with ';'.
func ParseConfigSettings(args []string) (map[string]string, error) {
	settings := make(map[string]string, len(args))

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid config setting %q: expected key=value", arg)
		}

		if prev, seen := settings[key]; seen && (listKeys[key] || strings.HasPrefix(key, definePrefix)) {
			settings[key] = prev + ";" + value
			continue
		}

		settings[key] = value
	}

	return settings, nil
}

// settingValues converts a settings map into values viper can hold.
// "cmake.define.NAME=VALUE" entries are folded into the cmake.define list.
func settingValues(settings map[string]string) map[string]any {
	values := make(map[string]any, len(settings))
	var defines []string

	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		switch {
		case strings.HasPrefix(key, definePrefix):
			defines = append(defines, strings.TrimPrefix(key, definePrefix)+"="+value)
		case key == "cmake.define":
			defines = append(defines, splitList(value)...)
		case listKeys[key]:
			values[key] = splitList(value)
		default:
			values[key] = value
		}
	}

	if len(defines) > 0 {
		values["cmake.define"] = defines
	}

	return values
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}
