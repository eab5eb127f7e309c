package lcfips

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nmOutput = `libpfx_crypto.a[aes.o]:
pfx_AES_encrypt T 0000000000000000 0000000000000120
memcpy U
pfx_weak_hook W 0000000000000000 0000000000000010
pfx_OPENSSL_armcap_P D 0000000000000000 0000000000000004

libpfx_crypto.a[fips.o]:
pfx_FIPS_mode T 0000000000000040 0000000000000008
__gmon_start__ w
`

func TestParseNM(t *testing.T) {
	syms := parseNM(nmOutput, false)
	assert.Equal(t, map[string]bool{
		"pfx_AES_encrypt":      true,
		"pfx_weak_hook":        true,
		"pfx_OPENSSL_armcap_P": true,
		"pfx_FIPS_mode":        true,
	}, syms)
}

func TestParseNMDarwinUnderscore(t *testing.T) {
	syms := parseNM("_pfx_FIPS_mode T 0 0\n_memcpy U\n", true)
	assert.Equal(t, map[string]bool{"pfx_FIPS_mode": true}, syms)
}

func TestArchiveSymbols(t *testing.T) {
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	runner := &fakeRunner{handle: func(c Command) (Result, error) {
		return Result{Output: []byte(nmOutput)}, nil
	}}
	nm := Tool{Name: "nm", Path: "/usr/bin/nm"}
	archives := []Archive{{Module: ModuleCrypto, Name: "pfx_crypto", Path: "/out/artifacts/libpfx_crypto.a"}}

	syms, err := ArchiveSymbols(context.Background(), runner, nm, archives, target)
	require.NoError(t, err)
	assert.True(t, syms["pfx_FIPS_mode"])

	calls := runner.commands()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-g", "-P", "/out/artifacts/libpfx_crypto.a"}, calls[0].Args)

	_, err = ArchiveSymbols(context.Background(), runner, Tool{Name: "nm"}, archives, target)
	assert.ErrorIs(t, err, ErrMissingPrerequisite)

	failing := &fakeRunner{handle: func(c Command) (Result, error) {
		return Result{ExitCode: 1, Stderr: []byte("nm: libpfx_crypto.a: file format not recognized")}, nil
	}}
	_, err = ArchiveSymbols(context.Background(), failing, nm, archives, target)
	require.ErrorIs(t, err, ErrFilesystem)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Diagnostics, "file format not recognized")
}

func TestVerifySymbols(t *testing.T) {
	decl := &DeclFile{Functions: []FuncDecl{
		{Name: "FIPS_mode", LinkName: "pfx_FIPS_mode"},
		{Name: "AES_encrypt", LinkName: "pfx_AES_encrypt"},
	}}
	exported := parseNM(nmOutput, false)
	require.NoError(t, VerifySymbols(decl, exported, "x86_64-unknown-linux-gnu"))

	decl.Functions = append(decl.Functions, FuncDecl{Name: "SSL_CTX_new", LinkName: "pfx_SSL_CTX_new"})
	err := VerifySymbols(decl, exported, "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrSymbolPrefix)
	assert.Contains(t, err.Error(), "1 declared symbols are not exported by the archives: pfx_SSL_CTX_new")
}
