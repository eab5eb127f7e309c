package lcfips

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPrerequisitesOrder(t *testing.T) {
	linux := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")

	tests := []struct {
		name   string
		mutate func(*ToolchainInventory)
		req    Requirements
		tool   string
	}{
		{"no compiler", func(inv *ToolchainInventory) { inv.Compiler.Path = ""; inv.Generator.Path = "" }, Requirements{}, "c compiler"},
		{"old gcc", func(inv *ToolchainInventory) { inv.Compiler.Version = "5.4.0"; inv.Generator.Path = "" }, Requirements{}, "c compiler"},
		{"unknown compiler version", func(inv *ToolchainInventory) { inv.Compiler.Version = "" }, Requirements{}, "c compiler"},
		{"no cmake", func(inv *ToolchainInventory) { inv.Generator.Path = ""; inv.ScriptingRuntime.Path = "" }, Requirements{}, "cmake"},
		{"old cmake", func(inv *ToolchainInventory) { inv.Generator.Version = "3.4.3" }, Requirements{}, "cmake"},
		{"no perl", func(inv *ToolchainInventory) { inv.ScriptingRuntime.Path = ""; inv.GoToolchain.Path = "" }, Requirements{}, "perl"},
		{"no go", func(inv *ToolchainInventory) { inv.GoToolchain.Path = "" }, Requirements{}, "go"},
		{"no assembler", func(inv *ToolchainInventory) { inv.Assembler.Path = "" }, Requirements{}, "assembler"},
		{"no nm for generation", func(inv *ToolchainInventory) { inv.SymbolTool.Path = "" }, Requirements{SymbolTool: true}, "nm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := fullInventory()
			tt.mutate(&inv)
			err := CheckPrerequisites(inv, linux, tt.req)
			require.ErrorIs(t, err, ErrMissingPrerequisite)

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.tool, e.Tool)
			assert.Equal(t, StagePrereq, e.Stage)
		})
	}
}

func TestCheckPrerequisitesOptionalTools(t *testing.T) {
	inv := fullInventory()
	inv.SymbolTool.Path = ""
	linux := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	assert.NoError(t, CheckPrerequisites(inv, linux, Requirements{}), "nm is only needed for generated bindings")

	// The delocation step, and with it Go, only applies to linux targets.
	inv = fullInventory()
	inv.GoToolchain.Path = ""
	inv.Compiler = Tool{Name: "c compiler", Path: "/usr/bin/cc", Version: "15.0.0", Flavor: FlavorAppleClang}
	darwin := mustTarget(t, "aarch64-apple-darwin", "")
	assert.NoError(t, CheckPrerequisites(inv, darwin, Requirements{}))

	// riscv64 has no hand-written kernels.
	inv = fullInventory()
	inv.Assembler.Path = ""
	riscv := mustTarget(t, "riscv64gc-unknown-linux-gnu", "")
	assert.NoError(t, CheckPrerequisites(inv, riscv, Requirements{}))
}

func TestCheckPrerequisitesMinimumVersions(t *testing.T) {
	linux := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	tests := []struct {
		flavor, version string
		ok              bool
	}{
		{FlavorGCC, "6.1.0", true},
		{FlavorGCC, "5.5.0", false},
		{FlavorClang, "5.0.2", false},
		{FlavorClang, "6.0", true},
		{FlavorAppleClang, "8.1.0", false},
		{FlavorAppleClang, "9.0.0", true},
		{FlavorMSVC, "19.00.24215", false},
		{FlavorMSVC, "19.16.27045", true},
	}
	for _, tt := range tests {
		inv := fullInventory()
		inv.Compiler.Flavor = tt.flavor
		inv.Compiler.Version = tt.version
		err := CheckPrerequisites(inv, linux, Requirements{})
		if tt.ok {
			assert.NoError(t, err, "%s %s", tt.flavor, tt.version)
		} else {
			assert.ErrorIs(t, err, ErrMissingPrerequisite, "%s %s", tt.flavor, tt.version)
		}
	}
}

func TestCheckPrerequisitesWindowsNeedsNASM(t *testing.T) {
	inv := fullInventory()
	inv.Compiler = Tool{Name: "c compiler", Path: "cl", Version: "19.29.30133", Flavor: FlavorMSVC}
	inv.Assembler = Tool{Name: "nasm"}
	inv.GoToolchain.Path = ""
	win := mustTarget(t, "x86_64-pc-windows-msvc", "")

	err := CheckPrerequisites(inv, win, Requirements{})
	require.ErrorIs(t, err, ErrMissingPrerequisite)
	assert.Contains(t, err.Error(), "nasm is required")
}
