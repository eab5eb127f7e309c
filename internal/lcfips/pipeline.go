package lcfips

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline runs one invocation: resolve, select, probe, check, build, bind,
// link. Stages run strictly in order and the first failure aborts the run.
type Pipeline struct {
	Settings Settings
	Builder  NativeBuilder
	Runner   Runner
	// LookPath overrides tool lookup; nil uses exec.LookPath.
	LookPath func(string) (string, error)
	Table   SupportTable
	Cache   *BindingCache
	Console *Console
	Logger  *zap.Logger
	// Directives receives the link directive lines; nil discards them.
	Directives io.Writer
	// Progress receives the live native build output.
	Progress io.Writer
}

// Outcome is everything a successful run produced.
type Outcome struct {
	RunID        string
	Target       TargetSpec
	Plan         BindingPlan
	Inventory    ToolchainInventory
	Artifact     NativeArtifact
	Bindings     BindingSet
	Decl         *DeclFile
	Link         LinkPlan
	CgoFile      string
	ManifestPath string
}

// NewPipeline wires the production stages for s: a process-group executor,
// the CMake builder and, when configured, the local and remote binding
// caches.
func NewPipeline(ctx context.Context, s Settings, console *Console, logger *zap.Logger) (*Pipeline, error) {
	logger = orNop(logger)
	runner := NewExecutor(s.Environ())
	runner.ApplyIdlePriority = s.IdlePriority

	p := &Pipeline{
		Settings: s,
		Builder:  &CMakeBuilder{Runner: runner, Logger: logger},
		Runner:   runner,
		Table:    DefaultSupportTable(),
		Console:  console,
		Logger:   logger,
	}
	if s.CacheDir != "" || s.Remote.Enabled() {
		dir := s.CacheDir
		if dir == "" {
			dir = filepath.Join(s.OutDir, "cache")
		}
		p.Cache = &BindingCache{Dir: dir, Logger: logger}
	}
	if s.Remote.Enabled() {
		client, err := NewR2Client(ctx, s.Remote, s.Debug)
		if err != nil {
			return nil, &Error{Stage: StageConfig, Kind: KindFilesystem, Detail: "remote binding cache", Cause: err}
		}
		p.Cache.Remote = client
	}
	return p, nil
}

// Run executes the pipeline.
func (p *Pipeline) Run(ctx context.Context) (Outcome, error) {
	s := p.Settings
	cfg := s.Build
	logger := orNop(p.Logger)
	out := Outcome{RunID: uuid.New().String()}
	logger = logger.With(zap.String("run", out.RunID))

	t, err := ResolveTarget(s.Target, s.Host)
	if err != nil {
		return out, err
	}
	out.Target = t
	p.Console.Stage("Target %s", t)
	logger.Info("target resolved",
		zap.String("triple", t.Triple),
		zap.String("host", t.Host),
		zap.Bool("cross", t.Cross()),
		zap.String("data_model", string(t.DataModel())))

	table := p.Table
	if table == nil {
		table = DefaultSupportTable()
	}
	plan, err := SelectBindings(t, cfg, table)
	if err != nil {
		return out, err
	}
	out.Plan = plan
	logger.Info("bindings planned", zap.String("origin", string(plan.Origin)), zap.String("name", plan.Name))

	p.Console.Stage("Probing toolchain")
	prober := NewToolProber(s.Env, p.Runner, s.Probe, logger)
	if p.LookPath != nil {
		prober.LookPath = p.LookPath
	}
	inv := prober.Probe(ctx, t)
	out.Inventory = inv
	p.Console.Infof("%s", describeInventory(inv))
	if err := CheckPrerequisites(inv, t, Requirements{SymbolTool: plan.Origin == OriginGenerated}); err != nil {
		return out, err
	}

	if err := os.MkdirAll(s.OutDir, 0o755); err != nil {
		return out, filesystemError(StageSource, t.Triple, "creating output dir "+s.OutDir, err)
	}
	src, err := PrepareSource(s.SourcePath, s.SourceChecksum, s.OutDir, t.Triple)
	if err != nil {
		return out, err
	}
	logger.Info("source ready", zap.String("dir", src))
	p.Console.debugf("source tree: %s\n", src)

	p.Console.Stage("Building native library (%s)", buildTypeOf(cfg))
	art, err := p.Builder.Build(ctx, BuildRequest{
		Target:    t,
		Config:    cfg,
		Tools:     inv,
		SourceDir: src,
		OutDir:    s.OutDir,
		Env:       s.Environ(),
		Progress:  p.Progress,
	})
	if err != nil {
		return out, asStageError(err, StageNative, KindNativeBuildFailure, t.Triple)
	}
	out.Artifact = art
	for _, a := range art.Archives {
		p.Console.debugf("archive %s: %s\n", a.Module, a.Path)
	}

	set, decl, err := p.bindings(ctx, t, plan, inv, art, src)
	if err != nil {
		return out, err
	}
	out.Bindings, out.Decl = set, decl

	link := PlanLink(art, cfg, t)
	out.Link = link
	if p.Directives != nil {
		if err := link.Emit(p.Directives, set); err != nil {
			return out, filesystemError(StageLink, t.Triple, "emitting link directives", err)
		}
	}
	cgo := filepath.Join(s.OutDir, "bindings", "link_"+plan.Name+".go")
	var cb bytes.Buffer
	if err := link.RenderCgo(&cb, decl.Package, t); err != nil {
		return out, filesystemError(StageLink, t.Triple, "rendering cgo directives", err)
	}
	if err := os.MkdirAll(filepath.Dir(cgo), 0o755); err != nil {
		return out, filesystemError(StageLink, t.Triple, "creating bindings dir", err)
	}
	if err := os.WriteFile(cgo, cb.Bytes(), 0o644); err != nil {
		return out, filesystemError(StageLink, t.Triple, "writing "+cgo, err)
	}
	out.CgoFile = cgo

	m, err := NewManifest(t, cfg, art, set, link)
	if err != nil {
		return out, err
	}
	m.RunID = out.RunID
	if out.ManifestPath, err = m.Write(s.OutDir); err != nil {
		return out, err
	}
	logger.Info("build complete", zap.String("build_id", m.BuildID), zap.String("manifest", out.ManifestPath))
	return out, nil
}

// bindings obtains the declaration set for the plan and validates it: the
// prefix check applies to both origins, the archive symbol check only to
// generated sets.
func (p *Pipeline) bindings(ctx context.Context, t TargetSpec, plan BindingPlan, inv ToolchainInventory, art NativeArtifact, src string) (BindingSet, *DeclFile, error) {
	s := p.Settings
	logger := orNop(p.Logger)

	pm, err := LoadPrefixMap(src, s.Build.Prefix)
	if err != nil {
		return nil, nil, filesystemError(StageBindings, t.Triple, "reading "+PrefixHeaderPath, err)
	}

	var set BindingSet
	switch plan.Origin {
	case OriginPregenerated:
		dir := s.BindingsDir
		if dir == "" {
			dir = filepath.Join(src, "bindings")
		}
		p.Console.Stage("Using pregenerated bindings %s", plan.Name)
		set, err = plan.Materialize(dir, s.OutDir)
	case OriginGenerated:
		p.Console.Stage("Generating bindings %s", plan.Name)
		gen := &Generator{Runner: p.Runner, Cache: p.Cache, Logger: logger}
		set, err = gen.Generate(ctx, GenerateRequest{
			Target:     t,
			Config:     s.Build,
			Compiler:   inv.Compiler,
			IncludeDir: art.IncludeDir,
			Prefix:     pm,
			OutPath:    plan.GeneratedPath(s.OutDir),
			Env:        s.Environ(),
			Package:    DefaultBindingsPackage,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	decl, err := readDeclFile(set.File(), t.Triple)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckPrefix(decl, pm, t.Triple); err != nil {
		return nil, nil, err
	}
	if set.requiresSymbolCheck() {
		exported, err := ArchiveSymbols(ctx, p.Runner, inv.SymbolTool, art.Archives, t)
		if err != nil {
			return nil, nil, err
		}
		if err := VerifySymbols(decl, exported, t.Triple); err != nil {
			return nil, nil, err
		}
		logger.Info("generated bindings match archive symbols", zap.Int("functions", len(decl.Functions)))
	}
	return set, decl, nil
}

func readDeclFile(path, target string) (*DeclFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, filesystemError(StageBindings, target, "opening "+path, err)
	}
	defer f.Close()
	decl, err := ParseDeclFile(f)
	if err != nil {
		return nil, filesystemError(StageBindings, target, "reading declarations from "+path, err)
	}
	return decl, nil
}

// asStageError keeps structured errors as they are and attributes anything
// else to the given stage.
func asStageError(err error, stage Stage, kind Kind, target string) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Stage: stage, Kind: kind, Target: target, Cause: err}
}
