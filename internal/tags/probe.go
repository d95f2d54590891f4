package tags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// introspect prints the interpreter facts ComputeTag needs as one JSON object
const introspect = `import json, platform, struct, sys, sysconfig
print(json.dumps({
    "implementation": sys.implementation.name,
    "major": sys.version_info[0],
    "minor": sys.version_info[1],
    "abiflags": getattr(sys, "abiflags", ""),
    "soabi": sysconfig.get_config_var("SOABI") or "",
    "cache_tag": sys.implementation.cache_tag or "",
    "machine": platform.machine(),
    "pointer_bits": struct.calcsize("P") * 8,
}))`

// runInterpreter is swapped in tests
var runInterpreter = func(ctx context.Context, python string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, python, "-c", introspect)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query interpreter %s: %w: %s", python, err, bytes.TrimSpace(stderr.Bytes()))
	}

	return out, nil
}

// hostMachine is swapped in tests
var hostMachine = unameMachine

// machineArches maps interpreter machine names to GOARCH vocabulary
var machineArches = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"i386":    "386",
	"i486":    "386",
	"i586":    "386",
	"i686":    "386",
	"x86":     "386",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv6l":  "arm",
	"armv7l":  "arm",
	"armv8l":  "arm",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
	"riscv64": "riscv64",
}

// narrow32 maps a 64-bit machine to what a 32-bit interpreter on it runs as
var narrow32 = map[string]string{
	"x86_64":  "i686",
	"amd64":   "i686",
	"aarch64": "armv8l",
	"arm64":   "armv8l",
}

// Probe gathers HostInfo for the given interpreter. The architecture is the
// interpreter's own, so a 32-bit or emulated interpreter on a 64-bit host is
// tagged for what it runs as. The kernel's machine is the fallback.
func Probe(ctx context.Context, python string) (HostInfo, error) {
	out, err := runInterpreter(ctx, python)
	if err != nil {
		return HostInfo{}, err
	}

	var info HostInfo
	if err := json.Unmarshal(bytes.TrimSpace(out), &info); err != nil {
		return HostInfo{}, fmt.Errorf("failed to parse interpreter description: %w", err)
	}

	info.OS = runtime.GOOS
	info.Arch = runtime.GOARCH

	if info.Machine == "" {
		info.Machine = hostMachine()
	}

	machine := strings.ToLower(info.Machine)
	if info.PointerBits == 32 {
		if narrowed, ok := narrow32[machine]; ok {
			machine = narrowed
		}
	}

	if arch, ok := machineArches[machine]; ok {
		info.Arch = arch
		info.Machine = machine
	}

	info.MacOSTarget = os.Getenv("MACOSX_DEPLOYMENT_TARGET")

	if archflags := os.Getenv("ARCHFLAGS"); info.OS == "darwin" && archflags == "-arch arm64 -arch x86_64" {
		info.Arch = "universal2"
	}

	if override := os.Getenv("_PYTHON_HOST_PLATFORM"); override != "" {
		info.PlatformOverride = override
	}

	return info, nil
}
