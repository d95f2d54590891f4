// Package drivertest provides a fake native build tool for tests.
package drivertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wheelforge/wheelforge/internal/driver"
)

// ExitError mimics a subprocess exiting with a status
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the status
func (e *ExitError) ExitCode() int {
	return e.Code
}

// Tool records invocations and simulates the native tool's side effects:
// configure writes CMakeCache.txt, install writes Files under the prefix.
type Tool struct {
	mu sync.Mutex

	// Files are written relative to the install prefix
	Files map[string]string
	// Fail maps a stage to the exit code it returns
	Fail map[string]int
	// Output is printed by every invocation
	Output string
	// Delay holds each build invocation open
	Delay time.Duration

	calls       map[string]int
	commands    []*driver.Command
	active      int
	maxParallel int
}

// New returns a tool that installs files
func New(files map[string]string) *Tool {
	return &Tool{Files: files, Fail: map[string]int{}, calls: map[string]int{}}
}

// Exec is passed to driver.WithExec
func (t *Tool) Exec(ctx context.Context, c *driver.Command) driver.Commander {
	return &run{tool: t, ctx: ctx, cmd: c}
}

// Calls returns how many times stage ran
func (t *Tool) Calls(stage string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.calls[stage]
}

// Commands returns every recorded invocation
func (t *Tool) Commands() []*driver.Command {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*driver.Command(nil), t.commands...)
}

// MaxParallelBuilds is the largest number of overlapping build invocations seen
func (t *Tool) MaxParallelBuilds() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.maxParallel
}

// Stage classifies a native tool invocation
func Stage(c *driver.Command) string {
	if len(c.Args) == 0 {
		return ""
	}

	switch c.Args[0] {
	case "-S":
		return driver.StageConfigure
	case "--build":
		return driver.StageBuild
	case "--install":
		return driver.StageInstall
	case "--version":
		return "version"
	}

	return ""
}

// Arg returns the value following flag
func Arg(c *driver.Command, flag string) string {
	for i := 0; i+1 < len(c.Args); i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}

	return ""
}

type run struct {
	tool *Tool
	ctx  context.Context
	cmd  *driver.Command
}

func (r *run) Run() error {
	t := r.tool
	stage := Stage(r.cmd)

	t.mu.Lock()
	t.calls[stage]++
	t.commands = append(t.commands, r.cmd)
	code, fail := t.Fail[stage]
	if stage == driver.StageBuild {
		t.active++
		if t.active > t.maxParallel {
			t.maxParallel = t.active
		}
	}
	t.mu.Unlock()

	if stage == driver.StageBuild {
		defer func() {
			t.mu.Lock()
			t.active--
			t.mu.Unlock()
		}()
	}

	if t.Output != "" && r.cmd.Stdout != nil {
		fmt.Fprint(r.cmd.Stdout, t.Output)
	}

	if stage == "version" && r.cmd.Stdout != nil {
		fmt.Fprintln(r.cmd.Stdout, "cmake version 3.28.1")
	}

	if stage == driver.StageBuild && t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}

	if fail {
		return &ExitError{Code: code}
	}

	switch stage {
	case driver.StageConfigure:
		dir := Arg(r.cmd, "-B")
		return os.WriteFile(filepath.Join(dir, "CMakeCache.txt"), []byte("# fake\n"), 0o644)
	case driver.StageInstall:
		prefix := Arg(r.cmd, "--prefix")
		for name, content := range t.Files {
			path := filepath.Join(prefix, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		}
	}

	return nil
}
