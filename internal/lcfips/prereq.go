package lcfips

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Minimum versions accepted for the native build.
var (
	minCompilerVersion = map[string]string{
		FlavorGCC:        "v6.0.0",
		FlavorClang:      "v6.0.0",
		FlavorAppleClang: "v9.0.0",
		FlavorMSVC:       "v19.10.0",
	}
	minCMakeVersion = "v3.5.0"
)

// Requirements adjusts which optional tools are mandatory for this run.
type Requirements struct {
	// SymbolTool is needed when bindings are generated and have to be
	// checked against the compiled archive.
	SymbolTool bool
}

// CheckPrerequisites verifies the inventory against what the target needs.
// Checks run in a fixed order and the first failure is returned, before any
// native build subprocess is started.
func CheckPrerequisites(inv ToolchainInventory, t TargetSpec, req Requirements) error {
	if !inv.Compiler.Found() {
		return missingPrerequisite(t.Triple, "c compiler", "no C compiler found for the target (set CC_"+t.Triple+" or CC)")
	}
	if err := checkMinimum(t, inv.Compiler, minCompilerVersion[inv.Compiler.Flavor]); err != nil {
		return err
	}

	if !inv.Generator.Found() {
		return missingPrerequisite(t.Triple, "cmake", "cmake is required to configure the native build")
	}
	if err := checkMinimum(t, inv.Generator, minCMakeVersion); err != nil {
		return err
	}

	if !inv.ScriptingRuntime.Found() {
		return missingPrerequisite(t.Triple, "perl", "perl is required by the native code generation steps")
	}

	if needsGoForFIPS(t) && !inv.GoToolchain.Found() {
		return missingPrerequisite(t.Triple, "go", "the FIPS delocation step requires a Go toolchain")
	}

	if needsAssembler(t) && !inv.Assembler.Found() {
		detail := fmt.Sprintf("an assembler for %s is required for the %s kernels", t.Arch, t.Triple)
		if needsNASM(t) {
			detail = "nasm is required for the x86 assembly kernels on windows"
		}
		return missingPrerequisite(t.Triple, assemblerName(t), detail)
	}

	if req.SymbolTool && !inv.SymbolTool.Found() {
		return missingPrerequisite(t.Triple, "nm", "a symbol table reader is required to validate generated bindings")
	}
	return nil
}

// needsGoForFIPS reports whether the FIPS module of the target is built
// through the delocation tool, which is a Go program.
func needsGoForFIPS(t TargetSpec) bool {
	return t.OS == OSLinux || t.OS == OSAndroid
}

func checkMinimum(t TargetSpec, tool Tool, minimum string) error {
	if minimum == "" {
		// Unknown flavor; nothing to compare against.
		return nil
	}
	if tool.Version == "" {
		return missingPrerequisite(t.Triple, tool.Name, "could not determine the version of "+tool.Path)
	}
	have := canonicalVersion(tool.Version)
	if !semver.IsValid(have) || semver.Compare(have, minimum) < 0 {
		return missingPrerequisite(t.Triple, tool.Name,
			fmt.Sprintf("%s %s is older than the required %s", tool.Path, tool.Version, minimum[1:]))
	}
	return nil
}
