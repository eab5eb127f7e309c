package lcfips

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner records every command and answers through handle.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	handle func(Command) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, c Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.handle == nil {
		return Result{}, nil
	}
	return f.handle(c)
}

func (f *fakeRunner) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// lookPathIn resolves names through a fixed table.
func lookPathIn(paths map[string]string) func(string) (string, error) {
	return func(name string) (string, error) {
		if p, ok := paths[name]; ok {
			return p, nil
		}
		return "", exec.ErrNotFound
	}
}

func mustTarget(t *testing.T, target, host string) TargetSpec {
	t.Helper()
	spec, err := ResolveTarget(target, host)
	require.NoError(t, err)
	return spec
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// fullInventory is a toolchain that satisfies every check for linux
// targets.
func fullInventory() ToolchainInventory {
	return ToolchainInventory{
		Compiler:         Tool{Name: "c compiler", Path: "/usr/bin/cc", Version: "12.2.0", Flavor: FlavorGCC},
		Generator:        Tool{Name: "cmake", Path: "/usr/bin/cmake", Version: "3.27.4"},
		BuildTool:        Tool{Name: "ninja", Path: "/usr/bin/ninja"},
		ScriptingRuntime: Tool{Name: "perl", Path: "/usr/bin/perl"},
		GoToolchain:      Tool{Name: "go", Path: "/usr/local/go/bin/go"},
		Assembler:        Tool{Name: "assembler", Path: "/usr/bin/as"},
		SymbolTool:       Tool{Name: "nm", Path: "/usr/bin/nm"},
	}
}
