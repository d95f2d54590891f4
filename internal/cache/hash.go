package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/wheelforge/wheelforge/internal/config"
	"github.com/wheelforge/wheelforge/internal/utils"
)

// stateHashLen is the length of the {state_hash} placeholder value
const stateHashLen = 12

// Fingerprint creates a stable hash of everything that requires a fresh configure.
// The hash is based on:
// - Generator and toolchain
// - Build type
// - Source root
// - Interpreter hint
// - Cache-variable overrides (sorted for consistency)
// - Extra configure arguments, in order
func Fingerprint(cfg *config.Config, extra ...string) string {
	h := sha256.New()

	writeField(h, "generator", cfg.Generator)
	writeField(h, "toolchain", cfg.Toolchain)
	writeField(h, "build-type", cfg.BuildType)
	writeField(h, "source", cfg.SourceRoot)
	writeField(h, "python", cfg.Python)
	writeDefines(h, cfg.Defines)

	for _, arg := range extra {
		writeField(h, "arg", arg)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// StateHash returns a short hash of the cache-variable overrides only
func StateHash(defines map[string]utils.CacheVar) string {
	h := sha256.New()
	writeDefines(h, defines)

	return hex.EncodeToString(h.Sum(nil))[:stateHashLen]
}

func writeDefines(w io.Writer, defines map[string]utils.CacheVar) {
	for _, k := range utils.SortedKeys(defines) {
		v := defines[k]
		writeField(w, "define", k+":"+v.Type+"="+v.Value)
	}
}

// writeField writes a NUL-terminated name/value pair
func writeField(w io.Writer, name, value string) {
	io.WriteString(w, name)
	io.WriteString(w, "\x00")
	io.WriteString(w, value)
	io.WriteString(w, "\x00")
}
