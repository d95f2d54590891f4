package tags

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpython(minor int) HostInfo {
	return HostInfo{
		Implementation: "cpython",
		Major:          3,
		Minor:          minor,
		OS:             "linux",
		Arch:           "amd64",
	}
}

func TestComputeTag(t *testing.T) {
	tests := []struct {
		name string
		host func() HostInfo
		want string
	}{
		{
			name: "cpython on linux",
			host: func() HostInfo { return cpython(12) },
			want: "cp312-cp312-linux_x86_64",
		},
		{
			name: "uname machine wins over GOARCH",
			host: func() HostInfo {
				h := cpython(11)
				h.Arch = "arm64"
				h.Machine = "aarch64"
				return h
			},
			want: "cp311-cp311-linux_aarch64",
		},
		{
			name: "free-threaded abi flags",
			host: func() HostInfo {
				h := cpython(13)
				h.ABIFlags = "t"
				return h
			},
			want: "cp313-cp313t-linux_x86_64",
		},
		{
			name: "pure ignores interpreter and platform",
			host: func() HostInfo {
				h := cpython(12)
				h.Pure = true
				h.OS = "plan9"
				return h
			},
			want: "py3-none-any",
		},
		{
			name: "limited api",
			host: func() HostInfo {
				h := cpython(12)
				h.LimitedAPI = "cp38"
				return h
			},
			want: "cp38-abi3-linux_x86_64",
		},
		{
			name: "limited api newer than interpreter is clamped",
			host: func() HostInfo {
				h := cpython(9)
				h.LimitedAPI = "cp312"
				return h
			},
			want: "cp39-abi3-linux_x86_64",
		},
		{
			name: "limited api ignored on free-threaded",
			host: func() HostInfo {
				h := cpython(13)
				h.ABIFlags = "t"
				h.LimitedAPI = "cp38"
				return h
			},
			want: "cp313-cp313t-linux_x86_64",
		},
		{
			name: "pypy uses soabi",
			host: func() HostInfo {
				h := cpython(10)
				h.Implementation = "pypy"
				h.SOABI = "pypy310-pp73-x86_64-linux-gnu"
				return h
			},
			want: "pp310-pypy310_pp73-linux_x86_64",
		},
		{
			name: "macos arm64 default target",
			host: func() HostInfo {
				h := cpython(12)
				h.OS = "darwin"
				h.Arch = "arm64"
				return h
			},
			want: "cp312-cp312-macosx_11_0_arm64",
		},
		{
			name: "macos x86_64 explicit target",
			host: func() HostInfo {
				h := cpython(12)
				h.OS = "darwin"
				h.MacOSTarget = "10.15"
				return h
			},
			want: "cp312-cp312-macosx_10_15_x86_64",
		},
		{
			name: "macos minor dropped since 11",
			host: func() HostInfo {
				h := cpython(12)
				h.OS = "darwin"
				h.Arch = "arm64"
				h.MacOSTarget = "14.2"
				return h
			},
			want: "cp312-cp312-macosx_14_0_arm64",
		},
		{
			name: "windows",
			host: func() HostInfo {
				h := cpython(12)
				h.OS = "windows"
				return h
			},
			want: "cp312-cp312-win_amd64",
		},
		{
			name: "platform override is normalized",
			host: func() HostInfo {
				h := cpython(12)
				h.PlatformOverride = "manylinux2014-x86_64"
				return h
			},
			want: "cp312-cp312-manylinux2014_x86_64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, err := ComputeTag(tt.host())
			require.NoError(t, err)
			assert.Equal(t, tt.want, tag.String())
		})
	}
}

func TestComputeTag_Deterministic(t *testing.T) {
	host := cpython(12)

	first, err := ComputeTag(host)
	require.NoError(t, err)

	for range 100 {
		again, err := ComputeTag(host)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeTag_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		host func() HostInfo
	}{
		{"unknown os", func() HostInfo { h := cpython(12); h.OS = "plan9"; return h }},
		{"unknown linux arch", func() HostInfo { h := cpython(12); h.Arch = "mips"; return h }},
		{"unknown windows arch", func() HostInfo { h := cpython(12); h.OS = "windows"; h.Arch = "arm"; return h }},
		{"unknown implementation", func() HostInfo { h := cpython(12); h.Implementation = "ironpython"; return h }},
		{"missing version", func() HostInfo { return HostInfo{Implementation: "cpython", OS: "linux", Arch: "amd64"} }},
		{"bad macos target", func() HostInfo { h := cpython(12); h.OS = "darwin"; h.MacOSTarget = "x.y"; return h }},
		{"pypy without soabi", func() HostInfo { h := cpython(10); h.Implementation = "pypy"; return h }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeTag(tt.host())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedPlatform))

			var upe *UnsupportedPlatformError
			assert.ErrorAs(t, err, &upe)
		})
	}
}

func TestParseTag(t *testing.T) {
	tag, err := ParseTag("cp312-cp312-linux_x86_64")
	require.NoError(t, err)
	assert.Equal(t, CompatibilityTag{Interpreter: "cp312", ABI: "cp312", Platform: "linux_x86_64"}, tag)
	assert.False(t, tag.IsPure())

	pure, err := ParseTag("py3-none-any")
	require.NoError(t, err)
	assert.True(t, pure.IsPure())

	_, err = ParseTag("cp312-linux")
	assert.Error(t, err)
}

func TestCacheTag(t *testing.T) {
	assert.Equal(t, "cpython-312", CacheTag(HostInfo{CacheTag: "cpython-312"}))
	assert.Equal(t, "pypy-310", CacheTag(HostInfo{Implementation: "PyPy", Major: 3, Minor: 10}))
}

func TestProbe(t *testing.T) {
	original := runInterpreter
	defer func() { runInterpreter = original }()

	runInterpreter = func(ctx context.Context, python string) ([]byte, error) {
		assert.Equal(t, "python3", python)
		return []byte(`{"implementation": "cpython", "major": 3, "minor": 12, "abiflags": "", "soabi": "cpython-312-x86_64-linux-gnu", "cache_tag": "cpython-312"}` + "\n"), nil
	}

	t.Setenv("_PYTHON_HOST_PLATFORM", "linux-x86_64")

	info, err := Probe(context.Background(), "python3")
	require.NoError(t, err)

	assert.Equal(t, "cpython", info.Implementation)
	assert.Equal(t, 12, info.Minor)
	assert.Equal(t, "cpython-312", info.CacheTag)
	assert.Equal(t, "linux-x86_64", info.PlatformOverride)
	assert.NotEmpty(t, info.OS)
}

func TestProbe_InterpreterArchitecture(t *testing.T) {
	tests := []struct {
		name        string
		machine     string
		bits        int
		host        string
		wantArch    string
		wantMachine string
		wantLinux   string
	}{
		{name: "native 64-bit", machine: "x86_64", bits: 64, host: "x86_64", wantArch: "amd64", wantMachine: "x86_64", wantLinux: "linux_x86_64"},
		{name: "32-bit interpreter on x86_64 host", machine: "x86_64", bits: 32, host: "x86_64", wantArch: "386", wantMachine: "i686", wantLinux: "linux_i686"},
		{name: "32-bit interpreter on arm64 host", machine: "aarch64", bits: 32, host: "aarch64", wantArch: "arm", wantMachine: "armv8l", wantLinux: "linux_armv8l"},
		{name: "emulated x86_64 interpreter on arm64 host", machine: "x86_64", bits: 64, host: "arm64", wantArch: "amd64", wantMachine: "x86_64", wantLinux: "linux_x86_64"},
		{name: "windows machine name", machine: "AMD64", bits: 32, host: "", wantArch: "386", wantMachine: "i686", wantLinux: "linux_i686"},
		{name: "falls back to host machine", machine: "", bits: 64, host: "aarch64", wantArch: "arm64", wantMachine: "aarch64", wantLinux: "linux_aarch64"},
	}

	originalRun := runInterpreter
	originalHost := hostMachine
	defer func() {
		runInterpreter = originalRun
		hostMachine = originalHost
	}()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runInterpreter = func(ctx context.Context, python string) ([]byte, error) {
				return []byte(fmt.Sprintf(`{"implementation": "cpython", "major": 3, "minor": 12, "machine": %q, "pointer_bits": %d}`, tt.machine, tt.bits)), nil
			}
			hostMachine = func() string { return tt.host }

			info, err := Probe(context.Background(), "python3")
			require.NoError(t, err)
			assert.Equal(t, tt.wantArch, info.Arch)
			assert.Equal(t, tt.wantMachine, info.Machine)

			info.OS = "linux"
			info.PlatformOverride = ""
			tag, err := ComputeTag(info)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLinux, tag.Platform)
		})
	}
}

func TestProbe_BadOutput(t *testing.T) {
	original := runInterpreter
	defer func() { runInterpreter = original }()

	runInterpreter = func(ctx context.Context, python string) ([]byte, error) {
		return []byte("not json"), nil
	}

	_, err := Probe(context.Background(), "python3")
	assert.Error(t, err)
}
