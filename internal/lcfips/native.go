package lcfips

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Library modules produced by the native build.
const (
	ModuleCrypto = "crypto"
	ModuleSSL    = "ssl"
)

// Archive is one static library produced by the native build.
type Archive struct {
	Module string // crypto or ssl
	Name   string // link name, e.g. aws_lc_fips_0_13_7_crypto
	Path   string
}

// NativeArtifact describes what the native build left in the output dir.
type NativeArtifact struct {
	// Archives are in link order: ssl (when built) before crypto.
	Archives  []Archive
	OutputDir string
	// IncludeDir holds the public headers; GeneratedIncludeDir holds the
	// symbol prefix headers.
	IncludeDir          string
	GeneratedIncludeDir string
	// Flags are the configure definitions the build ran with.
	Flags   []string
	LogPath string
}

// BuildRequest is the input of one native build.
type BuildRequest struct {
	Target    TargetSpec
	Config    BuildConfig
	Tools     ToolchainInventory
	SourceDir string
	OutDir    string
	Env       []string
	// Progress, when set, receives the live build output.
	Progress io.Writer
}

// NativeBuilder runs the external native build.
type NativeBuilder interface {
	Build(ctx context.Context, req BuildRequest) (NativeArtifact, error)
}

// CMakeBuilder drives the library's CMake project: one configure and one
// build subprocess. Failures are never retried.
type CMakeBuilder struct {
	Runner Runner
	Logger *zap.Logger
}

// NativeDefinitions returns the configure definitions for the target and
// build config. It is a pure function: equal inputs give equal flags in the
// same order.
func NativeDefinitions(t TargetSpec, cfg BuildConfig) []string {
	defs := []string{
		"-DFIPS=1",
		"-DBUILD_SHARED_LIBS=OFF",
		"-DBUILD_TESTING=OFF",
		"-DBUILD_TOOL=OFF",
		"-DCMAKE_BUILD_TYPE=" + buildTypeOf(cfg),
		"-DBORINGSSL_PREFIX=" + cfg.Prefix,
	}
	if cfg.Sanitizer {
		defs = append(defs, "-DASAN=1")
	}
	if cfg.SecureTransport {
		defs = append(defs, "-DBUILD_LIBSSL=ON")
	} else {
		defs = append(defs, "-DBUILD_LIBSSL=OFF")
	}
	return append(defs, crossDefinitions(t)...)
}

var cmakeSystemNames = map[OS]string{
	OSLinux:   "Linux",
	OSDarwin:  "Darwin",
	OSWindows: "Windows",
	OSAndroid: "Android",
	OSFreeBSD: "FreeBSD",
}

var cmakeProcessors = map[Arch]string{
	ArchX86_64:  "x86_64",
	ArchX86:     "i686",
	ArchAArch64: "aarch64",
	ArchARM:     "armv7-a",
	ArchPPC64LE: "ppc64le",
	ArchRISCV64: "riscv64",
	ArchS390X:   "s390x",
}

func crossDefinitions(t TargetSpec) []string {
	if !t.Cross() {
		return nil
	}
	defs := []string{
		"-DCMAKE_SYSTEM_NAME=" + cmakeSystemNames[t.OS],
		"-DCMAKE_SYSTEM_PROCESSOR=" + cmakeProcessors[t.Arch],
	}
	if t.OS == OSDarwin {
		defs = append(defs, "-DCMAKE_OSX_ARCHITECTURES="+t.GOARCH())
	}
	return defs
}

// toolDefinitions points CMake at the probed tools.
func toolDefinitions(inv ToolchainInventory, t TargetSpec) []string {
	var defs []string
	if inv.Compiler.Found() {
		defs = append(defs, "-DCMAKE_C_COMPILER="+inv.Compiler.Path)
		if t.Cross() && inv.Compiler.Flavor == FlavorClang {
			defs = append(defs, "-DCMAKE_C_COMPILER_TARGET="+t.Triple, "-DCMAKE_ASM_COMPILER_TARGET="+t.Triple)
		}
	}
	if needsNASM(t) && inv.Assembler.Found() {
		defs = append(defs, "-DCMAKE_ASM_NASM_COMPILER="+inv.Assembler.Path)
	}
	if inv.GoToolchain.Found() {
		defs = append(defs, "-DGO_EXECUTABLE="+inv.GoToolchain.Path)
	}
	if inv.ScriptingRuntime.Found() {
		defs = append(defs, "-DPERL_EXECUTABLE="+inv.ScriptingRuntime.Path)
	}
	if inv.BuildTool.Found() {
		defs = append(defs, "-GNinja", "-DCMAKE_MAKE_PROGRAM="+inv.BuildTool.Path)
	}
	return defs
}

// Build configures and compiles the library, then copies the archives into
// <out>/artifacts under their prefixed names.
func (b *CMakeBuilder) Build(ctx context.Context, req BuildRequest) (NativeArtifact, error) {
	logger := orNop(b.Logger)
	t := req.Target
	buildDir := filepath.Join(req.OutDir, "build")
	artifactDir := filepath.Join(req.OutDir, "artifacts")
	for _, dir := range []string{buildDir, artifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return NativeArtifact{}, filesystemError(StageNative, t.Triple, "creating "+dir, err)
		}
	}

	logPath := filepath.Join(buildDir, "native-build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return NativeArtifact{}, filesystemError(StageNative, t.Triple, "creating build log", err)
	}
	defer logFile.Close()
	var stream io.Writer = logFile
	if req.Progress != nil {
		stream = io.MultiWriter(logFile, req.Progress)
	}

	defs := NativeDefinitions(t, req.Config)
	configure := append([]string{"-S", req.SourceDir, "-B", buildDir}, defs...)
	configure = append(configure, toolDefinitions(req.Tools, t)...)

	// ssl links against crypto, so building it builds both.
	target := ModuleCrypto
	if req.Config.SecureTransport {
		target = ModuleSSL
	}
	steps := []struct {
		name string
		args []string
	}{
		{"configure", configure},
		{"build", []string{"--build", buildDir, "--config", buildTypeOf(req.Config), "--target", target}},
	}

	cmake := req.Tools.Generator.Path
	if cmake == "" {
		cmake = "cmake"
	}
	for _, step := range steps {
		fmt.Fprintf(logFile, "$ %s %s\n", cmake, strings.Join(step.args, " "))
		logger.Info("native build step", zap.String("step", step.name), zap.String("target", t.Triple))

		res, err := b.Runner.Run(ctx, Command{
			Path:   cmake,
			Args:   step.args,
			Dir:    req.OutDir,
			Env:    req.Env,
			Stream: stream,
		})
		if err != nil || res.ExitCode != 0 {
			nbf := nativeBuildFailure(t.Triple, res.ExitCode, string(res.Output), err)
			nbf.Tool = "cmake"
			nbf.Detail = step.name + " failed, see " + logPath
			logger.Error("native build failed",
				zap.String("step", step.name),
				zap.Int("exit_code", res.ExitCode),
				zap.Error(err))
			return NativeArtifact{}, nbf
		}
	}

	modules := []string{ModuleCrypto}
	if req.Config.SecureTransport {
		modules = []string{ModuleSSL, ModuleCrypto}
	}
	art := NativeArtifact{
		OutputDir:           artifactDir,
		IncludeDir:          filepath.Join(req.SourceDir, "include"),
		GeneratedIncludeDir: filepath.Join(req.SourceDir, "generated-include"),
		Flags:               defs,
		LogPath:             logPath,
	}
	for _, m := range modules {
		src, err := findArchive(buildDir, m, req.Config.Prefix, t)
		if err != nil {
			return NativeArtifact{}, err
		}
		name := req.Config.Prefix + "_" + m
		dst := filepath.Join(artifactDir, archiveFileName(name, t))
		if err := copyFile(src, dst); err != nil {
			return NativeArtifact{}, filesystemError(StageNative, t.Triple, "copying "+src, err)
		}
		art.Archives = append(art.Archives, Archive{Module: m, Name: name, Path: dst})
	}
	return art, nil
}

func buildTypeOf(cfg BuildConfig) string {
	if cfg.Sanitizer {
		return "RelWithDebInfo"
	}
	return "Release"
}

// archiveFileName maps a link name to the platform's static library name.
func archiveFileName(name string, t TargetSpec) string {
	if t.Env == EnvMSVC {
		return name + ".lib"
	}
	return "lib" + name + ".a"
}

// findArchive locates the archive for module in the build tree. The prefixed
// file name wins over the plain one; among equals the shallowest path wins.
func findArchive(buildDir, module, prefix string, t TargetSpec) (string, error) {
	wanted := map[string]int{
		archiveFileName(prefix+"_"+module, t): 0,
		archiveFileName(module, t):            1,
	}
	type hit struct {
		path  string
		rank  int
		depth int
	}
	var hits []hit
	err := filepath.WalkDir(buildDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "CMakeFiles" {
			return filepath.SkipDir
		}
		if rank, ok := wanted[d.Name()]; ok && !d.IsDir() {
			hits = append(hits, hit{path: path, rank: rank, depth: strings.Count(path, string(os.PathSeparator))})
		}
		return nil
	})
	if err != nil {
		return "", filesystemError(StageNative, t.Triple, "scanning "+buildDir, err)
	}
	if len(hits) == 0 {
		return "", filesystemError(StageNative, t.Triple,
			fmt.Sprintf("native build finished but no %s archive was produced under %s", module, buildDir), nil)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		if hits[i].depth != hits[j].depth {
			return hits[i].depth < hits[j].depth
		}
		return hits[i].path < hits[j].path
	})
	return hits[0].path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
