// Package tags computes the interpreter/ABI/platform compatibility tag used
// to name wheels and to key build directories.
//
// ComputeTag is a pure function of HostInfo: the same host description
// always yields the same tag. Host introspection lives in Probe.
package tags

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedPlatform is returned when no tag mapping exists for a host
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// UnsupportedPlatformError describes which part of the host could not be mapped
type UnsupportedPlatformError struct {
	Field string
	Value string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform: no tag mapping for %s %q", e.Field, e.Value)
}

func (e *UnsupportedPlatformError) Unwrap() error {
	return ErrUnsupportedPlatform
}

// HostInfo is the already-gathered description of the target interpreter and host
type HostInfo struct {
	// Implementation is sys.implementation.name (cpython, pypy)
	Implementation string `json:"implementation"`
	Major          int    `json:"major"`
	Minor          int    `json:"minor"`
	// ABIFlags is sys.abiflags ("", "t", "d", ...)
	ABIFlags string `json:"abiflags"`
	// SOABI is sysconfig's SOABI, used for non-CPython ABI tags
	SOABI string `json:"soabi"`
	// CacheTag is sys.implementation.cache_tag (cpython-312)
	CacheTag string `json:"cache_tag"`

	// OS and Arch use Go's GOOS/GOARCH vocabulary
	OS   string `json:"os"`
	Arch string `json:"arch"`
	// Machine is the interpreter's platform.machine(), preferred over Arch on Linux
	Machine string `json:"machine"`
	// PointerBits is the interpreter's pointer width, 32 for a 32-bit build on a 64-bit host
	PointerBits int `json:"pointer_bits"`
	// MacOSTarget is the deployment target, e.g. "11.0"
	MacOSTarget string `json:"macos_target"`

	// Pure selects the interpreter-independent py3-none-any tag
	Pure bool `json:"pure"`
	// LimitedAPI requests the stable ABI starting at the given cpXY version
	LimitedAPI string `json:"limited_api"`
	// PlatformOverride replaces the computed platform tag
	PlatformOverride string `json:"platform_override"`
}

// CompatibilityTag is the (interpreter, ABI, platform) triple
type CompatibilityTag struct {
	Interpreter string
	ABI         string
	Platform    string
}

// String renders the tag as used in wheel file names
func (t CompatibilityTag) String() string {
	return t.Interpreter + "-" + t.ABI + "-" + t.Platform
}

// IsPure reports whether the tag is the interpreter-independent pure tag
func (t CompatibilityTag) IsPure() bool {
	return t.ABI == "none" && t.Platform == "any"
}

// ParseTag parses an "interp-abi-platform" string
func ParseTag(s string) (CompatibilityTag, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return CompatibilityTag{}, fmt.Errorf("invalid compatibility tag %q", s)
	}

	return CompatibilityTag{Interpreter: parts[0], ABI: parts[1], Platform: parts[2]}, nil
}

func (h HostInfo) cacheTag() string {
	if h.CacheTag != "" {
		return strings.ToLower(h.CacheTag)
	}

	return Normalize(h.Implementation) + "-" + strconv.Itoa(h.Major) + strconv.Itoa(h.Minor)
}

// CacheTag returns the interpreter cache tag used by the {cache_tag} placeholder
func CacheTag(h HostInfo) string {
	return h.cacheTag()
}

// ComputeTag maps host information to a compatibility tag
func ComputeTag(h HostInfo) (CompatibilityTag, error) {
	if h.Major <= 0 {
		return CompatibilityTag{}, &UnsupportedPlatformError{Field: "interpreter version", Value: fmt.Sprintf("%d.%d", h.Major, h.Minor)}
	}

	if h.Pure {
		return CompatibilityTag{
			Interpreter: "py" + strconv.Itoa(h.Major),
			ABI:         "none",
			Platform:    "any",
		}, nil
	}

	platform, err := platformTag(h)
	if err != nil {
		return CompatibilityTag{}, err
	}

	version := strconv.Itoa(h.Major) + strconv.Itoa(h.Minor)

	switch Normalize(h.Implementation) {
	case "cpython":
		interp := "cp" + version
		abi := interp + h.ABIFlags

		// The stable ABI is not available on free-threaded builds
		if h.LimitedAPI != "" && !strings.Contains(h.ABIFlags, "t") {
			limited, err := limitedInterpreter(h)
			if err != nil {
				return CompatibilityTag{}, err
			}

			return CompatibilityTag{Interpreter: limited, ABI: "abi3", Platform: platform}, nil
		}

		return CompatibilityTag{Interpreter: interp, ABI: Normalize(abi), Platform: platform}, nil
	case "pypy":
		abi := Normalize(h.SOABI)
		if abi == "" {
			return CompatibilityTag{}, &UnsupportedPlatformError{Field: "SOABI", Value: h.SOABI}
		}

		// pypy310-pp73-x86_64-linux-gnu -> pypy310_pp73
		if fields := strings.Split(abi, "_"); len(fields) >= 2 {
			abi = fields[0] + "_" + fields[1]
		}

		return CompatibilityTag{Interpreter: "pp" + version, ABI: abi, Platform: platform}, nil
	default:
		return CompatibilityTag{}, &UnsupportedPlatformError{Field: "implementation", Value: h.Implementation}
	}
}

// Normalize lowercases a token and replaces '-' and '.' with '_'
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
}

// limitedInterpreter clamps the requested stable ABI version to the running interpreter
func limitedInterpreter(h HostInfo) (string, error) {
	api := strings.TrimPrefix(Normalize(h.LimitedAPI), "cp")
	if len(api) < 2 {
		return "", &UnsupportedPlatformError{Field: "limited API", Value: h.LimitedAPI}
	}

	major, errMajor := strconv.Atoi(api[:1])
	minor, errMinor := strconv.Atoi(api[1:])
	if errMajor != nil || errMinor != nil {
		return "", &UnsupportedPlatformError{Field: "limited API", Value: h.LimitedAPI}
	}

	if major > h.Major || (major == h.Major && minor > h.Minor) {
		major, minor = h.Major, h.Minor
	}

	return "cp" + strconv.Itoa(major) + strconv.Itoa(minor), nil
}

func platformTag(h HostInfo) (string, error) {
	if h.PlatformOverride != "" {
		return Normalize(h.PlatformOverride), nil
	}

	switch h.OS {
	case "linux":
		machine, ok := linuxMachine(h)
		if !ok {
			return "", &UnsupportedPlatformError{Field: "architecture", Value: h.Arch}
		}

		return "linux_" + machine, nil
	case "darwin":
		return macOSTag(h)
	case "windows":
		switch h.Arch {
		case "amd64":
			return "win_amd64", nil
		case "386":
			return "win32", nil
		case "arm64":
			return "win_arm64", nil
		}

		return "", &UnsupportedPlatformError{Field: "architecture", Value: h.Arch}
	}

	return "", &UnsupportedPlatformError{Field: "operating system", Value: h.OS}
}

var linuxArches = map[string]string{
	"amd64":   "x86_64",
	"386":     "i686",
	"arm64":   "aarch64",
	"arm":     "armv7l",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
	"riscv64": "riscv64",
}

func linuxMachine(h HostInfo) (string, bool) {
	if h.Machine != "" {
		return Normalize(h.Machine), true
	}

	m, ok := linuxArches[h.Arch]

	return m, ok
}

func macOSTag(h HostInfo) (string, error) {
	var arch, defaultTarget string

	switch h.Arch {
	case "amd64":
		arch, defaultTarget = "x86_64", "10.9"
	case "arm64":
		arch, defaultTarget = "arm64", "11.0"
	case "universal2":
		arch, defaultTarget = "universal2", "10.9"
	default:
		return "", &UnsupportedPlatformError{Field: "architecture", Value: h.Arch}
	}

	target := h.MacOSTarget
	if target == "" {
		target = defaultTarget
	}

	majorStr, minorStr, _ := strings.Cut(target, ".")

	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return "", &UnsupportedPlatformError{Field: "macOS deployment target", Value: target}
	}

	minor := 0
	if minorStr != "" {
		minor, err = strconv.Atoi(strings.SplitN(minorStr, ".", 2)[0])
		if err != nil {
			return "", &UnsupportedPlatformError{Field: "macOS deployment target", Value: target}
		}
	}

	// Since macOS 11 only the major version is significant
	if major >= 11 {
		minor = 0
	}

	if arch == "arm64" && major < 11 {
		major, minor = 11, 0
	}

	return fmt.Sprintf("macosx_%d_%d_%s", major, minor, arch), nil
}
