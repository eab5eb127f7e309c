package lcfips

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Compiler flavors recognised from `--version` output.
const (
	FlavorGCC        = "gcc"
	FlavorClang      = "clang"
	FlavorAppleClang = "appleclang"
	FlavorMSVC       = "msvc"
)

// Tool is a resolved external program. An empty Path means it was not found.
type Tool struct {
	Name    string
	Path    string
	Version string
	Flavor  string
	// HostFallback is set when a host tool stands in for a target tool
	// during a cross build.
	HostFallback bool
}

// Found reports whether the tool was located.
func (t Tool) Found() bool {
	return t.Path != ""
}

// ToolchainInventory is the result of probing the environment for the
// programs the native build needs.
type ToolchainInventory struct {
	Compiler         Tool
	Generator        Tool
	BuildTool        Tool
	ScriptingRuntime Tool
	GoToolchain      Tool
	Assembler        Tool
	SymbolTool       Tool
}

// ProbeOptions tune how tools are located.
type ProbeOptions struct {
	// AllowHostTools permits a host tool to stand in for a missing target
	// tool when cross compiling.
	AllowHostTools bool
}

// ToolProber locates tools. Env is the environment snapshot taken when the
// settings were loaded; LookPath and Runner are injectable for tests.
type ToolProber struct {
	Env      map[string]string
	LookPath func(string) (string, error)
	Runner   Runner
	Options  ProbeOptions
	Logger   *zap.Logger
}

// NewToolProber returns a prober backed by exec.LookPath.
func NewToolProber(env map[string]string, runner Runner, opts ProbeOptions, logger *zap.Logger) *ToolProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolProber{Env: env, LookPath: exec.LookPath, Runner: runner, Options: opts, Logger: logger}
}

type candidate struct {
	name string
	host bool // only a host stand-in when cross compiling
}

// Probe resolves every tool for the target. It only runs version probes for
// the compiler and the build generator; everything else is a PATH lookup.
func (p *ToolProber) Probe(ctx context.Context, t TargetSpec) ToolchainInventory {
	inv := ToolchainInventory{
		Compiler:         p.find("c compiler", t, p.compilerCandidates(t)),
		Generator:        p.find("cmake", t, p.envFirst([]string{"CMAKE"}, candidate{name: "cmake"})),
		BuildTool:        p.find("ninja", t, p.envFirst([]string{"NINJA"}, candidate{name: "ninja"})),
		ScriptingRuntime: p.find("perl", t, p.envFirst([]string{"PERL"}, candidate{name: "perl"})),
		GoToolchain:      p.find("go", t, p.goCandidates()),
		Assembler:        p.find(assemblerName(t), t, p.assemblerCandidates(t)),
		SymbolTool:       p.find("nm", t, p.nmCandidates(t)),
	}

	if inv.Compiler.Found() {
		out := p.versionOutput(ctx, inv.Compiler)
		inv.Compiler.Flavor = compilerFlavor(out)
		inv.Compiler.Version = parseVersion(out)
	}
	if inv.Generator.Found() {
		inv.Generator.Version = parseVersion(p.versionOutput(ctx, inv.Generator))
	}
	// clang and Apple clang assemble .S files themselves.
	if !inv.Assembler.Found() && needsAssembler(t) && !needsNASM(t) &&
		(inv.Compiler.Flavor == FlavorClang || inv.Compiler.Flavor == FlavorAppleClang) {
		inv.Assembler = Tool{Name: assemblerName(t), Path: inv.Compiler.Path, Version: inv.Compiler.Version, Flavor: "integrated"}
	}
	return inv
}

func (p *ToolProber) find(name string, t TargetSpec, cands []candidate) Tool {
	for _, c := range cands {
		if c.host && t.Cross() && !p.Options.AllowHostTools {
			continue
		}
		path, err := p.LookPath(c.name)
		if err != nil {
			continue
		}
		tool := Tool{Name: name, Path: path, HostFallback: c.host && t.Cross()}
		if tool.HostFallback {
			p.Logger.Warn("using host tool for cross target",
				zap.String("tool", name),
				zap.String("path", path),
				zap.String("target", t.Triple),
				zap.String("host", t.Host))
		}
		return tool
	}
	return Tool{Name: name}
}

// envFirst returns candidates taken from environment keys, followed by the
// fixed fallbacks.
func (p *ToolProber) envFirst(keys []string, fallbacks ...candidate) []candidate {
	var out []candidate
	for _, k := range keys {
		if v := strings.TrimSpace(p.Env[k]); v != "" {
			out = append(out, candidate{name: v})
		}
	}
	return append(out, fallbacks...)
}

// targetKeys expands NAME into the target-specific variable spellings
// NAME_<triple>, NAME_<triple_with_underscores> and TARGET_NAME.
func targetKeys(name string, t TargetSpec, generic bool) []string {
	keys := []string{
		name + "_" + t.Triple,
		name + "_" + strings.ReplaceAll(t.Triple, "-", "_"),
	}
	if t.Cross() {
		keys = append(keys, "TARGET_"+name)
	}
	if generic {
		keys = append(keys, name)
	}
	return keys
}

func (p *ToolProber) compilerCandidates(t TargetSpec) []candidate {
	if t.OS == OSWindows && t.Env == EnvMSVC {
		return p.envFirst(targetKeys("CC", t, true), candidate{name: "cl"}, candidate{name: "clang-cl"})
	}
	prefix := CrossPrefix(t)
	var fallbacks []candidate
	if t.Cross() {
		if prefix != "" {
			fallbacks = append(fallbacks, candidate{name: prefix + "gcc"}, candidate{name: prefix + "clang"})
		}
		// clang drives any target through --target.
		fallbacks = append(fallbacks, candidate{name: "clang"}, candidate{name: "cc", host: true}, candidate{name: "gcc", host: true})
	} else {
		fallbacks = append(fallbacks, candidate{name: "cc"}, candidate{name: "gcc"}, candidate{name: "clang"})
	}
	// A plain CC while cross compiling is most often the host compiler.
	keys := targetKeys("CC", t, false)
	cands := p.envFirst(keys)
	if v := strings.TrimSpace(p.Env["CC"]); v != "" {
		cands = append(cands, candidate{name: v, host: t.Cross()})
	}
	return append(cands, fallbacks...)
}

func (p *ToolProber) goCandidates() []candidate {
	var cands []candidate
	if v := strings.TrimSpace(p.Env["GO"]); v != "" {
		cands = append(cands, candidate{name: v})
	}
	if root := strings.TrimSpace(p.Env["GOROOT"]); root != "" {
		cands = append(cands, candidate{name: strings.TrimRight(root, "/") + "/bin/go"})
	}
	return append(cands, candidate{name: "go"})
}

func (p *ToolProber) assemblerCandidates(t TargetSpec) []candidate {
	if !needsAssembler(t) {
		return nil
	}
	if needsNASM(t) {
		return p.envFirst([]string{"ASM_NASM", "NASM"}, candidate{name: "nasm"})
	}
	cands := p.envFirst(targetKeys("AS", t, false))
	if v := strings.TrimSpace(p.Env["AS"]); v != "" {
		cands = append(cands, candidate{name: v, host: t.Cross()})
	}
	if prefix := CrossPrefix(t); t.Cross() && prefix != "" {
		cands = append(cands, candidate{name: prefix + "as"})
	}
	return append(cands, candidate{name: "as", host: true})
}

func (p *ToolProber) nmCandidates(t TargetSpec) []candidate {
	cands := p.envFirst(targetKeys("NM", t, false))
	if v := strings.TrimSpace(p.Env["NM"]); v != "" {
		cands = append(cands, candidate{name: v, host: t.Cross()})
	}
	if prefix := CrossPrefix(t); t.Cross() && prefix != "" {
		cands = append(cands, candidate{name: prefix + "nm"})
	}
	return append(cands, candidate{name: "llvm-nm"}, candidate{name: "nm", host: true})
}

func (p *ToolProber) versionOutput(ctx context.Context, tool Tool) string {
	if p.Runner == nil {
		return ""
	}
	var args []string
	// cl prints its banner when run without arguments.
	if base := strings.ToLower(filepath.Base(tool.Path)); base != "cl" && base != "cl.exe" {
		args = []string{"--version"}
	}
	res, err := p.Runner.Run(ctx, Command{Path: tool.Path, Args: args})
	if err != nil {
		p.Logger.Debug("version probe failed", zap.String("tool", tool.Name), zap.Error(err))
		return ""
	}
	return string(res.Output)
}

// CrossPrefix returns the GNU tool prefix conventionally used for the
// target, e.g. "aarch64-linux-gnu-". Targets without such a convention
// return "".
func CrossPrefix(t TargetSpec) string {
	gnuArch := map[Arch]string{
		ArchX86_64:  "x86_64",
		ArchX86:     "i686",
		ArchAArch64: "aarch64",
		ArchARM:     "arm",
		ArchPPC64LE: "powerpc64le",
		ArchRISCV64: "riscv64",
		ArchS390X:   "s390x",
	}[t.Arch]

	switch t.OS {
	case OSLinux:
		return gnuArch + "-linux-" + string(t.Env) + "-"
	case OSWindows:
		if t.Env == EnvGNU {
			return gnuArch + "-w64-mingw32-"
		}
	case OSAndroid:
		if t.Arch == ArchARM {
			return "armv7a-linux-androideabi-"
		}
		return gnuArch + "-linux-android-"
	}
	return ""
}

// needsAssembler reports whether the library ships hand-written assembly
// kernels for the target architecture.
func needsAssembler(t TargetSpec) bool {
	switch t.Arch {
	case ArchX86_64, ArchX86, ArchAArch64, ArchARM, ArchPPC64LE:
		return true
	}
	return false
}

// needsNASM reports whether the kernels for the target are in NASM syntax.
func needsNASM(t TargetSpec) bool {
	return t.OS == OSWindows && (t.Arch == ArchX86_64 || t.Arch == ArchX86)
}

func assemblerName(t TargetSpec) string {
	if needsNASM(t) {
		return "nasm"
	}
	return "assembler"
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// parseVersion extracts the first dotted version number from tool output.
func parseVersion(out string) string {
	line := out
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		line = out[:i]
	}
	m := versionRe.FindStringSubmatch(line)
	if m == nil {
		m = versionRe.FindStringSubmatch(out)
	}
	if m == nil {
		return ""
	}
	if m[3] == "" {
		return m[1] + "." + m[2]
	}
	return m[1] + "." + m[2] + "." + m[3]
}

func compilerFlavor(out string) string {
	switch {
	case strings.Contains(out, "Apple clang"), strings.Contains(out, "Apple LLVM"):
		return FlavorAppleClang
	case strings.Contains(out, "clang version"):
		return FlavorClang
	case strings.Contains(out, "Microsoft (R)"):
		return FlavorMSVC
	case strings.Contains(out, "Free Software Foundation"), strings.Contains(out, "gcc"), strings.Contains(out, "GCC"):
		return FlavorGCC
	}
	return ""
}

// canonicalVersion turns "2.15.05" into the semver form "v2.15.5".
func canonicalVersion(v string) string {
	parts := strings.SplitN(v, ".", 3)
	nums := []int{0, 0, 0}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimLeft(p, "0"))
		if err != nil && strings.Trim(p, "0") != "" {
			return ""
		}
		nums[i] = n
	}
	return fmt.Sprintf("v%d.%d.%d", nums[0], nums[1], nums[2])
}

// describeInventory renders the inventory for diagnostics, one tool per
// line in probe order.
func describeInventory(inv ToolchainInventory) string {
	var b bytes.Buffer
	for _, tool := range []Tool{inv.Compiler, inv.Generator, inv.BuildTool, inv.ScriptingRuntime, inv.GoToolchain, inv.Assembler, inv.SymbolTool} {
		if tool.Name == "" {
			continue
		}
		path := tool.Path
		if path == "" {
			path = "(not found)"
		}
		fmt.Fprintf(&b, "%-12s %s", tool.Name, path)
		if tool.Version != "" {
			fmt.Fprintf(&b, " %s", tool.Version)
		}
		if tool.Flavor != "" {
			fmt.Fprintf(&b, " [%s]", tool.Flavor)
		}
		if tool.HostFallback {
			b.WriteString(" (host fallback)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
