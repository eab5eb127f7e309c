package lcfips

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type cmdInfo struct {
	Cmd  string
	Args string
	Desc string
}

var commands = []cmdInfo{
	{"build, b", "[options]", "Build the FIPS library and emit the link plan"},
	{"target, t", "[-target T] [-host H]", "Resolve a target and show how it will be built"},
	{"check", "[options]", "Probe the toolchain and check build prerequisites"},
	{"bindgen", "[options] [-o file]", "Generate a declaration file from the installed headers"},
	{"verify", "[options] [-decl file] [archive...]", "Check a declaration file against the symbol prefix and archives"},
	{"version, --version", "", "Version information"},
	{"help", "", "Show this help"},
}

func printHelp(w io.Writer, useColor bool) {
	paint := func(p colorPrinter, s string) string {
		if !useColor {
			return s
		}
		return p.Sprintf("%s", s)
	}
	fmt.Fprintln(w, paint(colSuccess, "Usage: lcfips <command> [arguments]"))
	fmt.Fprintln(w, paint(colSuccess, "Run 'lcfips <command> -h' for the options of a command"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, paint(color.Info, "Available Commands:"))

	maxLen := 0
	for _, c := range commands {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range commands {
		usage := c.Cmd
		line := "  " + paint(color.Bold, c.Cmd)
		if c.Args != "" {
			usage += " " + c.Args
			line += " " + paint(color.Cyan, c.Args)
		}
		pad := columnWidth - len(usage)
		if pad < 1 {
			pad = 1
		}
		fmt.Fprintln(w, line+strings.Repeat(" ", pad)+paint(color.Info, c.Desc))
	}
	fmt.Fprintln(w)
}

// flag name -> config key. Flags only override the config when given.
var (
	stringFlags = []struct{ name, key, usage string }{
		{"target", "LCFIPS_TARGET", "target triple or GOOS/GOARCH pair (default: host)"},
		{"host", "LCFIPS_HOST", "host triple (default: the running platform)"},
		{"out", "LCFIPS_OUT_DIR", "build-owned output directory"},
		{"source", "LCFIPS_SOURCE", "library source directory or archive"},
		{"source-b3sum", "LCFIPS_SOURCE_B3SUM", "expected BLAKE3 digest of a source archive"},
		{"bindings-dir", "LCFIPS_BINDINGS_DIR", "directory holding the pregenerated declaration sets"},
		{"cache-dir", "LCFIPS_CACHE_DIR", "binding cache directory"},
		{"prefix", "LCFIPS_SYMBOL_PREFIX", "private symbol prefix"},
	}
	boolFlags = []struct{ name, key, usage string }{
		{"asan", "LCFIPS_FEATURE_ASAN", "build with address sanitizer instrumentation"},
		{"ssl", "LCFIPS_FEATURE_SSL", "build and link the TLS module"},
		{"bindgen", "LCFIPS_FEATURE_BINDGEN", "allow generating bindings when no pregenerated set matches"},
		{"force-bindgen", "LCFIPS_BINDGEN_FORCE", "generate bindings even for supported targets"},
		{"allow-host-tools", "LCFIPS_ALLOW_HOST_TOOLS", "let host tools stand in for missing target tools"},
		{"nice", "LCFIPS_IDLE_PRIORITY", "run the native build at idle priority"},
		{"v", "LCFIPS_VERBOSE", "verbose output"},
		{"debug", "LCFIPS_DEBUG", "debug output"},
	}
)

// invocation is the state shared by the commands of one run.
type invocation struct {
	ctx    context.Context
	env    map[string]string
	stdout io.Writer
	stderr io.Writer
}

// commandFlags registers the common flags on a new flag set. The returned
// function loads the settings once the set has been parsed.
func (inv *invocation) commandFlags(name string) (*flag.FlagSet, func() (Settings, error)) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(inv.stderr)
	keys := make(map[string]string)
	for _, f := range stringFlags {
		fs.String(f.name, "", f.usage)
		keys[f.name] = f.key
	}
	for _, f := range boolFlags {
		fs.Bool(f.name, false, f.usage)
		keys[f.name] = f.key
	}
	overlay := fs.String("config", "", "YAML file overriding the configuration")

	return fs, func() (Settings, error) {
		overrides := make(map[string]string)
		fs.Visit(func(f *flag.Flag) {
			if key, ok := keys[f.Name]; ok {
				overrides[key] = f.Value.String()
			}
		})
		return LoadSettings(inv.env, *overlay, overrides)
	}
}

func (inv *invocation) console(s Settings) *Console {
	return &Console{W: inv.stderr, Color: isTerminal(inv.stderr), Verbose: s.Verbose, Debug: s.Debug}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// report prints a failure with the stage it happened in and the tail of
// any captured diagnostics.
func report(c *Console, err error) {
	c.Fail("lcfips: %v", err)
	var e *Error
	if errors.As(err, &e) && e.Diagnostics != "" {
		diag := strings.TrimRight(e.Diagnostics, "\n")
		lines := strings.Split(diag, "\n")
		if len(lines) > 40 {
			lines = lines[len(lines)-40:]
		}
		c.Note("captured diagnostics:")
		c.cPrintf(nil, "%s\n", strings.Join(lines, "\n"))
	}
}

// Main is the entry point of the lcfips command.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Stopping the native build\n", sig)
			cancel()
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(10 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	code := run(ctx, os.Args[1:], EnvMap(os.Environ()), os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, env map[string]string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout, isTerminal(stdout))
		return 0
	}
	inv := &invocation{ctx: ctx, env: env, stdout: stdout, stderr: stderr}

	var err error
	switch args[0] {
	case "build", "b":
		err = inv.build(args[1:])
	case "target", "t":
		err = inv.target(args[1:])
	case "check":
		err = inv.check(args[1:])
	case "bindgen":
		err = inv.bindgen(args[1:])
	case "verify":
		err = inv.verify(args[1:])
	case "version", "--version":
		msg := fmt.Sprintf("lcfips %s (library %s, %s/%s) built %s", version, upstreamVersion, runtime.GOOS, runtime.GOARCH, buildDate)
		if isTerminal(stdout) {
			msg = colNote.Sprintf("%s", msg)
		}
		fmt.Fprintln(stdout, msg)
	case "help", "-h", "--help":
		printHelp(stdout, isTerminal(stdout))
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printHelp(stderr, false)
		return 2
	}

	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 1
}

// setup loads the settings, the console and the event logger for a
// command whose flags have been parsed.
func (inv *invocation) setup(load func() (Settings, error)) (Settings, *Console, *zap.Logger, error) {
	s, err := load()
	if err != nil {
		c := &Console{W: inv.stderr}
		report(c, err)
		return Settings{}, nil, nil, err
	}
	c := inv.console(s)
	logger, err := NewLogger(s)
	if err != nil {
		report(c, err)
		return Settings{}, nil, nil, err
	}
	return s, c, logger, nil
}

func (inv *invocation) build(args []string) error {
	fs, load := inv.commandFlags("build")
	quiet := fs.Bool("quiet-directives", false, "do not print link directives on stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, c, logger, err := inv.setup(load)
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := NewPipeline(inv.ctx, s, c, logger)
	if err != nil {
		report(c, err)
		return err
	}
	if !*quiet {
		p.Directives = inv.stdout
	}
	if f, ok := inv.stderr.(*os.File); ok && !s.Verbose && !s.Debug {
		if pw := newProgressWriter(f, "native build"); pw != nil {
			p.Progress = pw
			defer pw.Close()
		}
	}

	out, err := p.Run(inv.ctx)
	if err != nil {
		report(c, err)
		return err
	}
	c.Stage("Bindings: %s (%s)", out.Bindings.File(), out.Bindings.Origin())
	c.Stage("Link: %s", strings.Join(out.Link.LDFlags(), " "))
	c.Note("Manifest written to %s", out.ManifestPath)
	return nil
}

func (inv *invocation) target(args []string) error {
	fs, load := inv.commandFlags("target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, c, _, err := inv.setup(load)
	if err != nil {
		return err
	}
	t, err := ResolveTarget(s.Target, s.Host)
	if err != nil {
		report(c, err)
		return err
	}

	origin := "unsupported (no binding generation enabled)"
	if plan, err := SelectBindings(t, s.Build, DefaultSupportTable()); err == nil {
		origin = fmt.Sprintf("%s (%s)", plan.Origin, plan.Name)
	}
	w := inv.stdout
	fmt.Fprintf(w, "triple:      %s\n", t.Triple)
	fmt.Fprintf(w, "host:        %s\n", t.Host)
	fmt.Fprintf(w, "cross:       %t\n", t.Cross())
	fmt.Fprintf(w, "os/arch/env: %s/%s/%s\n", t.OS, t.Arch, t.Env)
	fmt.Fprintf(w, "go:          %s/%s\n", t.GOOS(), t.GOARCH())
	fmt.Fprintf(w, "data model:  %s\n", t.DataModel())
	fmt.Fprintf(w, "bindings:    %s\n", origin)
	fmt.Fprintf(w, "definitions: %s\n", strings.Join(NativeDefinitions(t, s.Build), " "))
	return nil
}

func (inv *invocation) check(args []string) error {
	fs, load := inv.commandFlags("check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, c, logger, err := inv.setup(load)
	if err != nil {
		return err
	}
	defer logger.Sync()

	t, err := ResolveTarget(s.Target, s.Host)
	if err != nil {
		report(c, err)
		return err
	}
	plan, err := SelectBindings(t, s.Build, DefaultSupportTable())
	if err != nil {
		report(c, err)
		return err
	}
	c.Stage("Probing toolchain for %s", t)
	tools := NewToolProber(s.Env, NewExecutor(s.Environ()), s.Probe, logger).Probe(inv.ctx, t)
	fmt.Fprint(inv.stdout, describeInventory(tools))
	if err := CheckPrerequisites(tools, t, Requirements{SymbolTool: plan.Origin == OriginGenerated}); err != nil {
		report(c, err)
		return err
	}
	c.Stage("All prerequisites satisfied")
	return nil
}

func (inv *invocation) bindgen(args []string) error {
	fs, load := inv.commandFlags("bindgen")
	includeDir := fs.String("include", "", "public header directory (default: <source>/include)")
	output := fs.String("o", "", "output file (default: <out>/bindings/<name>.go)")
	pkg := fs.String("package", DefaultBindingsPackage, "Go package of the declaration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, c, logger, err := inv.setup(load)
	if err != nil {
		return err
	}
	defer logger.Sync()

	set, err := inv.generate(s, c, logger, *includeDir, *output, *pkg)
	if err != nil {
		report(c, err)
		return err
	}
	fmt.Fprintln(inv.stdout, set.File())
	return nil
}

func (inv *invocation) generate(s Settings, c *Console, logger *zap.Logger, includeDir, output, pkg string) (BindingSet, error) {
	t, err := ResolveTarget(s.Target, s.Host)
	if err != nil {
		return nil, err
	}
	p, err := NewPipeline(inv.ctx, s, c, logger)
	if err != nil {
		return nil, err
	}
	tools := NewToolProber(s.Env, p.Runner, s.Probe, logger).Probe(inv.ctx, t)
	if !tools.Compiler.Found() {
		return nil, missingPrerequisite(t.Triple, "c compiler", "binding generation needs the target compiler's preprocessor")
	}
	if err := os.MkdirAll(s.OutDir, 0o755); err != nil {
		return nil, filesystemError(StageSource, t.Triple, "creating output dir "+s.OutDir, err)
	}
	src, err := PrepareSource(s.SourcePath, s.SourceChecksum, s.OutDir, t.Triple)
	if err != nil {
		return nil, err
	}
	pm, err := LoadPrefixMap(src, s.Build.Prefix)
	if err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "reading "+PrefixHeaderPath, err)
	}
	if includeDir == "" {
		includeDir = filepath.Join(src, "include")
	}
	if output == "" {
		output = BindingPlan{Target: t, Name: BindingSetName(t, s.Build)}.GeneratedPath(s.OutDir)
	}

	c.Stage("Generating bindings for %s", t)
	gen := &Generator{Runner: p.Runner, Cache: p.Cache, Logger: logger}
	set, err := gen.Generate(inv.ctx, GenerateRequest{
		Target:     t,
		Config:     s.Build,
		Compiler:   tools.Compiler,
		IncludeDir: includeDir,
		Prefix:     pm,
		OutPath:    output,
		Env:        s.Environ(),
		Package:    pkg,
	})
	if err != nil {
		return nil, err
	}
	decl, err := readDeclFile(set.File(), t.Triple)
	if err != nil {
		return nil, err
	}
	if err := CheckPrefix(decl, pm, t.Triple); err != nil {
		return nil, err
	}
	return set, nil
}

func (inv *invocation) verify(args []string) error {
	fs, load := inv.commandFlags("verify")
	declPath := fs.String("decl", "", "declaration file (default: the pregenerated set of the target)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, c, logger, err := inv.setup(load)
	if err != nil {
		return err
	}
	defer logger.Sync()

	n, err := inv.verifyDecl(s, c, logger, *declPath, fs.Args())
	if err != nil {
		report(c, err)
		return err
	}
	c.Stage("%d declarations verified", n)
	return nil
}

// verifyDecl is the offline validation of a declaration set: the prefix
// check always, the archive symbol check when archives are available.
func (inv *invocation) verifyDecl(s Settings, c *Console, logger *zap.Logger, declPath string, archivePaths []string) (int, error) {
	t, err := ResolveTarget(s.Target, s.Host)
	if err != nil {
		return 0, err
	}
	src, err := PrepareSource(s.SourcePath, s.SourceChecksum, s.OutDir, t.Triple)
	if err != nil {
		return 0, err
	}
	if declPath == "" {
		dir := s.BindingsDir
		if dir == "" {
			dir = filepath.Join(src, "bindings")
		}
		plan := BindingPlan{Origin: OriginPregenerated, Target: t, Name: BindingSetName(t, s.Build)}
		set, err := plan.Materialize(dir, s.OutDir)
		if err != nil {
			return 0, err
		}
		declPath = set.File()
	}
	c.Stage("Verifying %s", declPath)

	decl, err := readDeclFile(declPath, t.Triple)
	if err != nil {
		return 0, err
	}
	pm, err := LoadPrefixMap(src, s.Build.Prefix)
	if err != nil {
		return 0, filesystemError(StageBindings, t.Triple, "reading "+PrefixHeaderPath, err)
	}
	if err := CheckPrefix(decl, pm, t.Triple); err != nil {
		return 0, err
	}

	var archives []Archive
	if len(archivePaths) == 0 {
		modules := []string{ModuleCrypto}
		if s.Build.SecureTransport {
			modules = []string{ModuleSSL, ModuleCrypto}
		}
		for _, m := range modules {
			name := s.Build.Prefix + "_" + m
			path := filepath.Join(s.OutDir, "artifacts", archiveFileName(name, t))
			if _, err := os.Stat(path); err == nil {
				archives = append(archives, Archive{Module: m, Name: name, Path: path})
			}
		}
	}
	for _, path := range archivePaths {
		archives = append(archives, Archive{Name: filepath.Base(path), Path: path})
	}
	if len(archives) == 0 {
		c.Warn("no archives found; only the symbol prefix was checked")
		return len(decl.Functions), nil
	}

	runner := NewExecutor(s.Environ())
	tools := NewToolProber(s.Env, runner, s.Probe, logger).Probe(inv.ctx, t)
	exported, err := ArchiveSymbols(inv.ctx, runner, tools.SymbolTool, archives, t)
	if err != nil {
		return 0, err
	}
	if err := VerifySymbols(decl, exported, t.Triple); err != nil {
		return 0, err
	}
	return len(decl.Functions), nil
}
