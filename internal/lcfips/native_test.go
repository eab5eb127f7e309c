package lcfips

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() BuildConfig {
	return BuildConfig{FIPS: true, Prefix: DefaultPrefix()}
}

func TestNativeDefinitionsFIPSOnly(t *testing.T) {
	linux := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")

	assert.Equal(t, []string{
		"-DFIPS=1",
		"-DBUILD_SHARED_LIBS=OFF",
		"-DBUILD_TESTING=OFF",
		"-DBUILD_TOOL=OFF",
		"-DCMAKE_BUILD_TYPE=Release",
		"-DBORINGSSL_PREFIX=aws_lc_fips_0_13_7",
		"-DBUILD_LIBSSL=OFF",
	}, NativeDefinitions(linux, testConfig()))
}

func TestNativeDefinitionsFeatures(t *testing.T) {
	linux := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	cfg := testConfig()
	cfg.Sanitizer = true
	cfg.SecureTransport = true

	defs := NativeDefinitions(linux, cfg)
	assert.Contains(t, defs, "-DFIPS=1")
	assert.Contains(t, defs, "-DASAN=1")
	assert.Contains(t, defs, "-DBUILD_LIBSSL=ON")
	assert.Contains(t, defs, "-DCMAKE_BUILD_TYPE=RelWithDebInfo")
	assert.NotContains(t, defs, "-DBUILD_LIBSSL=OFF")
}

func TestNativeDefinitionsDeterministic(t *testing.T) {
	for _, triple := range []string{"x86_64-unknown-linux-gnu", "aarch64-apple-darwin", "i686-pc-windows-msvc"} {
		target := mustTarget(t, triple, "x86_64-unknown-linux-gnu")
		for _, cfg := range []BuildConfig{
			testConfig(),
			{FIPS: true, Prefix: "p", Sanitizer: true},
			{FIPS: true, Prefix: "p", SecureTransport: true},
		} {
			first := NativeDefinitions(target, cfg)
			for i := 0; i < 5; i++ {
				assert.Equal(t, first, NativeDefinitions(target, cfg))
			}
		}
	}
}

func TestNativeDefinitionsCross(t *testing.T) {
	darwin := mustTarget(t, "aarch64-apple-darwin", "x86_64-apple-darwin")
	defs := NativeDefinitions(darwin, testConfig())
	assert.Contains(t, defs, "-DCMAKE_SYSTEM_NAME=Darwin")
	assert.Contains(t, defs, "-DCMAKE_SYSTEM_PROCESSOR=aarch64")
	assert.Contains(t, defs, "-DCMAKE_OSX_ARCHITECTURES=arm64")

	arm := mustTarget(t, "armv7-unknown-linux-gnueabihf", "x86_64-unknown-linux-gnu")
	defs = NativeDefinitions(arm, testConfig())
	assert.Contains(t, defs, "-DCMAKE_SYSTEM_NAME=Linux")
	assert.Contains(t, defs, "-DCMAKE_SYSTEM_PROCESSOR=armv7-a")
}

func TestToolDefinitions(t *testing.T) {
	target := mustTarget(t, "aarch64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	inv := fullInventory()
	inv.Compiler = Tool{Name: "c compiler", Path: "/usr/bin/clang", Version: "17.0.6", Flavor: FlavorClang}

	assert.Equal(t, []string{
		"-DCMAKE_C_COMPILER=/usr/bin/clang",
		"-DCMAKE_C_COMPILER_TARGET=aarch64-unknown-linux-gnu",
		"-DCMAKE_ASM_COMPILER_TARGET=aarch64-unknown-linux-gnu",
		"-DGO_EXECUTABLE=/usr/local/go/bin/go",
		"-DPERL_EXECUTABLE=/usr/bin/perl",
		"-GNinja",
		"-DCMAKE_MAKE_PROGRAM=/usr/bin/ninja",
	}, toolDefinitions(inv, target))

	win := mustTarget(t, "x86_64-pc-windows-msvc", "x86_64-pc-windows-msvc")
	inv = ToolchainInventory{Assembler: Tool{Name: "nasm", Path: "/opt/nasm/nasm"}}
	assert.Equal(t, []string{"-DCMAKE_ASM_NASM_COMPILER=/opt/nasm/nasm"}, toolDefinitions(inv, win))
}

// cmakeFake pretends to be cmake: the build step leaves archives under the
// build dir, as the real build does.
func cmakeFake(t *testing.T, prefix string, modules ...string) *fakeRunner {
	return &fakeRunner{handle: func(c Command) (Result, error) {
		if c.Stream != nil {
			fmt.Fprintf(c.Stream, "[1/2] step for %v\n", c.Args[0])
		}
		if c.Args[0] == "--build" {
			buildDir := c.Args[1]
			for _, m := range modules {
				writeFile(t, filepath.Join(buildDir, m, "lib"+m+".a"), "!<arch>\n"+prefix+"_"+m)
			}
			// A CMake probe archive that must never be picked.
			writeFile(t, filepath.Join(buildDir, "CMakeFiles", "libcrypto.a"), "probe")
		}
		return Result{}, nil
	}}
}

func TestCMakeBuilderBuild(t *testing.T) {
	out := t.TempDir()
	src := t.TempDir()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	cfg := testConfig()
	cfg.SecureTransport = true

	runner := cmakeFake(t, cfg.Prefix, "crypto", "ssl")
	var progress bytes.Buffer
	b := &CMakeBuilder{Runner: runner}
	art, err := b.Build(context.Background(), BuildRequest{
		Target:    target,
		Config:    cfg,
		Tools:     fullInventory(),
		SourceDir: src,
		OutDir:    out,
		Progress:  &progress,
	})
	require.NoError(t, err)

	calls := runner.commands()
	require.Len(t, calls, 2)
	assert.Equal(t, "/usr/bin/cmake", calls[0].Path)
	assert.Equal(t, []string{"-S", src, "-B", filepath.Join(out, "build")}, calls[0].Args[:4])
	assert.Contains(t, calls[0].Args, "-DBUILD_LIBSSL=ON")
	assert.Contains(t, calls[0].Args, "-DCMAKE_C_COMPILER=/usr/bin/cc")
	assert.Equal(t, []string{"--build", filepath.Join(out, "build"), "--config", "Release", "--target", "ssl"}, calls[1].Args)

	require.Len(t, art.Archives, 2)
	assert.Equal(t, ModuleSSL, art.Archives[0].Module)
	assert.Equal(t, ModuleCrypto, art.Archives[1].Module)
	assert.Equal(t, filepath.Join(out, "artifacts", "libaws_lc_fips_0_13_7_ssl.a"), art.Archives[0].Path)
	assert.Equal(t, "aws_lc_fips_0_13_7_crypto", art.Archives[1].Name)
	data, err := os.ReadFile(art.Archives[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "!<arch>\naws_lc_fips_0_13_7_crypto", string(data))

	assert.Equal(t, filepath.Join(out, "artifacts"), art.OutputDir)
	assert.Equal(t, filepath.Join(src, "include"), art.IncludeDir)
	assert.Equal(t, NativeDefinitions(target, cfg), art.Flags)

	log, err := os.ReadFile(art.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "$ /usr/bin/cmake -S "+src)
	assert.Contains(t, string(log), "[1/2] step for --build")
	assert.Contains(t, progress.String(), "[1/2] step for -S")
}

func TestCMakeBuilderFailureIsNotRetried(t *testing.T) {
	out := t.TempDir()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	runner := &fakeRunner{handle: func(c Command) (Result, error) {
		return Result{ExitCode: 1, Output: []byte("CMake Error: could not find compiler\n")}, nil
	}}

	b := &CMakeBuilder{Runner: runner}
	_, err := b.Build(context.Background(), BuildRequest{Target: target, Config: testConfig(), Tools: fullInventory(), SourceDir: t.TempDir(), OutDir: out})
	require.ErrorIs(t, err, ErrNativeBuildFailure)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 1, e.ExitCode)
	assert.Equal(t, "CMake Error: could not find compiler\n", e.Diagnostics)
	assert.Contains(t, e.Detail, "configure failed")
	assert.Len(t, runner.commands(), 1)

	_, statErr := os.Stat(filepath.Join(out, "artifacts", "libaws_lc_fips_0_13_7_crypto.a"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCMakeBuilderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	runner := &fakeRunner{handle: func(c Command) (Result, error) {
		return Result{ExitCode: -1}, fmt.Errorf("killed: %w", context.Canceled)
	}}

	b := &CMakeBuilder{Runner: runner}
	_, err := b.Build(ctx, BuildRequest{Target: target, Config: testConfig(), SourceDir: t.TempDir(), OutDir: t.TempDir()})
	require.ErrorIs(t, err, ErrNativeBuildFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCMakeBuilderMissingArchive(t *testing.T) {
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	b := &CMakeBuilder{Runner: &fakeRunner{}}
	_, err := b.Build(context.Background(), BuildRequest{Target: target, Config: testConfig(), SourceDir: t.TempDir(), OutDir: t.TempDir()})
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "no crypto archive")
}

func TestFindArchivePrefersPrefixedName(t *testing.T) {
	dir := t.TempDir()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	writeFile(t, filepath.Join(dir, "crypto", "libcrypto.a"), "plain")
	writeFile(t, filepath.Join(dir, "a", "b", "libpfx_crypto.a"), "prefixed")
	writeFile(t, filepath.Join(dir, "CMakeFiles", "libpfx_crypto.a"), "probe")

	got, err := findArchive(dir, ModuleCrypto, "pfx", target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b", "libpfx_crypto.a"), got)

	win := mustTarget(t, "x86_64-pc-windows-msvc", "")
	assert.Equal(t, "pfx_crypto.lib", archiveFileName("pfx_crypto", win))
}
