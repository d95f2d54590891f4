package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigSettings(t *testing.T) {
	settings, err := ParseConfigSettings([]string{
		"build-dir=build/{wheel_tag}",
		"cmake.define=A=1",
		"cmake.define=B=2",
		"editable.rebuild-policy=skip-if-locked",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"build-dir":               "build/{wheel_tag}",
		"cmake.define":            "A=1;B=2",
		"editable.rebuild-policy": "skip-if-locked",
	}, settings)

	_, err = ParseConfigSettings([]string{"novalue"})
	assert.Error(t, err)
}

func TestSettingValues(t *testing.T) {
	values := settingValues(map[string]string{
		"cmake.define":            "A=1; B:BOOL=ON",
		"cmake.define.C":          "3",
		"wheel.packages":          "src/pkg;src/other",
		"editable.rebuild-policy": "block",
	})

	assert.Equal(t, []string{"A=1", "B:BOOL=ON", "C=3"}, values["cmake.define"])
	assert.Equal(t, []string{"src/pkg", "src/other"}, values["wheel.packages"])
	assert.Equal(t, "block", values["editable.rebuild-policy"])
}
