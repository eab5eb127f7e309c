package lcfips

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// generatorVersion is folded into the binding fingerprint; bump it when the
// rendered output changes for the same inputs.
const generatorVersion = "2"

var (
	requiredHeaders    = []string{"openssl/base.h", "openssl/crypto.h", "openssl/err.h"}
	requiredSSLHeaders = []string{"openssl/ssl.h"}
	requiredSymbols    = []string{"ERR_get_error", "FIPS_mode"}
	requiredSSLSymbols = []string{"SSL_CTX_new"}

	// Headers that cannot be included on their own or that only matter to
	// the library's assembly.
	excludedHeaders = map[string]bool{
		"openssl/arm_arch.h":                     true,
		"openssl/asm_base.h":                     true,
		"openssl/boringssl_prefix_symbols.h":     true,
		"openssl/boringssl_prefix_symbols_asm.h": true,
		"openssl/target.h":                       true,
	}
	sslHeaders = map[string]bool{
		"openssl/dtls1.h": true,
		"openssl/srtp.h":  true,
		"openssl/ssl.h":   true,
		"openssl/ssl3.h":  true,
		"openssl/tls1.h":  true,
	}
)

// GenerateRequest is the input of one binding generation.
type GenerateRequest struct {
	Target     TargetSpec
	Config     BuildConfig
	Compiler   Tool
	IncludeDir string
	Prefix     PrefixMap
	// OutPath is where the declaration file is written.
	OutPath string
	Env     []string
	Package string
}

// Generator synthesizes declaration files from the installed headers using
// the target compiler's preprocessor.
type Generator struct {
	Runner Runner
	Cache  *BindingCache
	Logger *zap.Logger
}

// Generate produces a declaration set for the request. Cache hits are
// returned as generated sets too, so they still go through the symbol
// check against the archive.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (BindingSet, error) {
	logger := orNop(g.Logger)
	t := req.Target

	headers, err := publicHeaders(req.IncludeDir, req.Config.SecureTransport)
	if err != nil {
		return nil, bindingGenerationFailure(t.Triple, "listing headers under "+req.IncludeDir, err)
	}
	if err := requireHeaders(headers, req.Config.SecureTransport); err != nil {
		return nil, bindingGenerationFailure(t.Triple, err.Error(), nil)
	}
	if !req.Compiler.Found() {
		return nil, bindingGenerationFailure(t.Triple, "no compiler available to preprocess headers", nil)
	}
	if req.Compiler.Flavor == FlavorMSVC {
		return nil, bindingGenerationFailure(t.Triple, "binding generation needs a gcc or clang compatible preprocessor", nil)
	}

	fp, err := Fingerprint(req, headers)
	if err != nil {
		return nil, bindingGenerationFailure(t.Triple, "fingerprinting header tree", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "creating bindings dir", err)
	}

	if g.Cache != nil {
		if data, ok := g.Cache.Get(ctx, fp); ok {
			if err := os.WriteFile(req.OutPath, data, 0o644); err != nil {
				return nil, filesystemError(StageBindings, t.Triple, "writing "+req.OutPath, err)
			}
			logger.Info("binding cache hit", zap.String("fingerprint", fp))
			return GeneratedBindings{Path: req.OutPath, Fingerprint: fp, Cached: true}, nil
		}
	}

	var out bytes.Buffer
	decl, err := g.synthesize(ctx, req, headers)
	if err != nil {
		return nil, err
	}
	if err := decl.Render(&out); err != nil {
		return nil, bindingGenerationFailure(t.Triple, "rendering declarations", err)
	}
	if err := os.WriteFile(req.OutPath, out.Bytes(), 0o644); err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "writing "+req.OutPath, err)
	}
	logger.Info("bindings generated",
		zap.String("path", req.OutPath),
		zap.Int("functions", len(decl.Functions)),
		zap.Int("constants", len(decl.Consts)))

	if g.Cache != nil {
		if err := g.Cache.Put(ctx, fp, out.Bytes()); err != nil {
			logger.Warn("binding cache store failed", zap.Error(err))
		}
	}
	return GeneratedBindings{Path: req.OutPath, Fingerprint: fp}, nil
}

func (g *Generator) synthesize(ctx context.Context, req GenerateRequest, headers []string) (*DeclFile, error) {
	t := req.Target
	workDir := filepath.Join(filepath.Dir(req.OutPath), ".bindgen")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "creating "+workDir, err)
	}
	umbrella := filepath.Join(workDir, "umbrella.h")
	var ub strings.Builder
	for _, h := range headers {
		fmt.Fprintf(&ub, "#include <%s>\n", h)
	}
	if err := os.WriteFile(umbrella, []byte(ub.String()), 0o644); err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "writing umbrella header", err)
	}

	includeDir, err := filepath.Abs(req.IncludeDir)
	if err != nil {
		return nil, filesystemError(StageBindings, t.Triple, "resolving "+req.IncludeDir, err)
	}
	base := append(preprocessorFlags(req.Compiler, t), "-I"+includeDir, "-x", "c")

	pre, err := g.preprocess(ctx, req, append(append([]string{"-E"}, base...), umbrella))
	if err != nil {
		return nil, err
	}
	macros, err := g.preprocess(ctx, req, append(append([]string{"-E", "-dM"}, base...), umbrella))
	if err != nil {
		return nil, err
	}

	surf := scanSurface(splitDecls(filterPreprocessed(pre, []string{includeDir})), t.DataModel())

	declared := make(map[string]bool, len(surf.Functions))
	for _, fn := range surf.Functions {
		declared[fn.Name] = true
	}
	var missing []string
	for _, sym := range requiredSymbolsFor(req.Config) {
		if !declared[sym] {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return nil, bindingGenerationFailure(t.Triple, "required symbols absent from the header surface: "+strings.Join(missing, ", "), nil)
	}

	files := make([]string, 0, len(headers))
	for _, h := range headers {
		files = append(files, filepath.Join(includeDir, filepath.FromSlash(h)))
	}
	wanted, err := headerMacroNames(files)
	if err != nil {
		return nil, bindingGenerationFailure(t.Triple, "reading header macros", err)
	}
	consts := make(map[string]string, len(surf.Enums))
	for _, c := range surf.Enums {
		consts[c.Name] = c.Value
	}

	decl := &DeclFile{
		Package:   req.Package,
		Target:    t.Triple,
		GOOS:      t.GOOS(),
		GOARCH:    t.GOARCH(),
		DataModel: t.DataModel(),
		Prefix:    req.Prefix.Prefix,
		Headers:   headers,
		Types:     surf.Types,
		Ints:      surf.Ints,
		Consts:    append(surf.Enums, macroConstants(macros, wanted, consts)...),
	}
	for _, fn := range surf.Functions {
		link := req.Prefix.Rewrite(fn.Name)
		decl.Functions = append(decl.Functions, FuncDecl{
			Name:      fn.Name,
			LinkName:  link,
			Prototype: renameDeclared(fn.Proto, fn.Name, link),
		})
	}
	return decl, nil
}

func (g *Generator) preprocess(ctx context.Context, req GenerateRequest, args []string) (string, error) {
	res, err := g.Runner.Run(ctx, Command{Path: req.Compiler.Path, Args: args, Env: req.Env, SeparateStderr: true})
	if err != nil {
		return "", bindingGenerationFailure(req.Target.Triple, "running the preprocessor", err)
	}
	if res.ExitCode != 0 {
		e := bindingGenerationFailure(req.Target.Triple,
			fmt.Sprintf("preprocessor exited with code %d", res.ExitCode), nil)
		e.Tool = req.Compiler.Path
		e.Diagnostics = string(res.Stderr)
		return "", e
	}
	return string(res.Output), nil
}

// preprocessorFlags selects the target ABI for the compiler.
func preprocessorFlags(c Tool, t TargetSpec) []string {
	switch c.Flavor {
	case FlavorClang, FlavorAppleClang:
		return []string{"--target=" + t.Triple}
	case FlavorGCC:
		// Cross gcc drivers are single-target; only the x86 pair is
		// switched with -m.
		switch t.Arch {
		case ArchX86:
			return []string{"-m32"}
		case ArchX86_64:
			return []string{"-m64"}
		}
	}
	return nil
}

// renameDeclared swaps the function name in a prototype for its link name.
func renameDeclared(proto, name, link string) string {
	if name == link {
		return proto
	}
	i := strings.IndexByte(proto, '(')
	head := strings.TrimRight(proto[:i], " ")
	return strings.TrimSuffix(head, name) + link + proto[len(head):]
}

func requiredSymbolsFor(cfg BuildConfig) []string {
	syms := append([]string(nil), requiredSymbols...)
	if cfg.SecureTransport {
		syms = append(syms, requiredSSLSymbols...)
	}
	return syms
}

// publicHeaders lists <include>/openssl/*.h as slash paths relative to the
// include dir, sorted.
func publicHeaders(includeDir string, ssl bool) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(includeDir, "openssl", "*.h"))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(includeDir); err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		rel := "openssl/" + filepath.Base(m)
		if excludedHeaders[rel] || (!ssl && sslHeaders[rel]) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func requireHeaders(headers []string, ssl bool) error {
	have := make(map[string]bool, len(headers))
	for _, h := range headers {
		have[h] = true
	}
	want := append([]string(nil), requiredHeaders...)
	if ssl {
		want = append(want, requiredSSLHeaders...)
	}
	var missing []string
	for _, h := range want {
		if !have[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required headers missing from the source tree: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fingerprint identifies a generation input: the header tree, the compiler
// identity, the target, the prefix and the feature set.
func Fingerprint(req GenerateRequest, headers []string) (string, error) {
	tree, err := hashTree(req.IncludeDir, func(rel string) bool { return strings.HasSuffix(rel, ".h") })
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "generator=%s\n", generatorVersion)
	fmt.Fprintf(&b, "tree=%s\n", tree)
	fmt.Fprintf(&b, "headers=%s\n", strings.Join(headers, ","))
	fmt.Fprintf(&b, "compiler=%s %s %s\n", filepath.Base(req.Compiler.Path), req.Compiler.Flavor, req.Compiler.Version)
	fmt.Fprintf(&b, "target=%s %s\n", req.Target.Triple, req.Target.DataModel())
	syms := make([]string, 0, len(req.Prefix.Symbols))
	for sym := range req.Prefix.Symbols {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	fmt.Fprintf(&b, "prefix=%s symbols=%s\n", req.Prefix.Prefix, hashBytes([]byte(strings.Join(syms, "\n"))))
	fmt.Fprintf(&b, "ssl=%t package=%s\n", req.Config.SecureTransport, req.Package)
	return hashBytes([]byte(b.String())), nil
}
