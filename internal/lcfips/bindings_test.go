package lcfips

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBindingsSupportedTargets(t *testing.T) {
	table := DefaultSupportTable()
	hosts := map[string]string{
		"linux_x86_64":   "x86_64-unknown-linux-gnu",
		"linux_aarch64":  "aarch64-unknown-linux-gnu",
		"darwin_x86_64":  "x86_64-apple-darwin",
		"darwin_aarch64": "aarch64-apple-darwin",
	}
	require.Equal(t, []string{"darwin_aarch64", "darwin_x86_64", "linux_aarch64", "linux_x86_64"}, table.Keys())

	for _, key := range table.Keys() {
		target := mustTarget(t, hosts[key], "x86_64-unknown-linux-gnu")
		for _, bindgen := range []bool{false, true} {
			cfg := testConfig()
			cfg.Bindgen = bindgen
			plan, err := SelectBindings(target, cfg, table)
			require.NoError(t, err)
			assert.Equal(t, OriginPregenerated, plan.Origin, key)
			assert.Equal(t, key+"_crypto", plan.Name)
		}
	}
}

func TestSelectBindingsSSLName(t *testing.T) {
	target := mustTarget(t, "aarch64-unknown-linux-gnu", "")
	cfg := testConfig()
	cfg.SecureTransport = true
	plan, err := SelectBindings(target, cfg, DefaultSupportTable())
	require.NoError(t, err)
	assert.Equal(t, "linux_aarch64_crypto_ssl", plan.Name)
}

func TestSelectBindingsUnsupported(t *testing.T) {
	for _, triple := range []string{"s390x-unknown-linux-gnu", "x86_64-pc-windows-msvc", "i686-unknown-linux-gnu", "aarch64-linux-android"} {
		target := mustTarget(t, triple, "x86_64-unknown-linux-gnu")
		_, err := SelectBindings(target, testConfig(), DefaultSupportTable())
		require.ErrorIs(t, err, ErrUnsupportedPlatform, triple)
		assert.Contains(t, err.Error(), "binding generation is not enabled")

		cfg := testConfig()
		cfg.Bindgen = true
		plan, err := SelectBindings(target, cfg, DefaultSupportTable())
		require.NoError(t, err)
		assert.Equal(t, OriginGenerated, plan.Origin)
	}
}

func TestSelectBindingsForced(t *testing.T) {
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	cfg := testConfig()
	cfg.ForceGeneration = true

	_, err := SelectBindings(target, cfg, DefaultSupportTable())
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.Contains(t, err.Error(), "forced")

	cfg.Bindgen = true
	plan, err := SelectBindings(target, cfg, DefaultSupportTable())
	require.NoError(t, err)
	assert.Equal(t, OriginGenerated, plan.Origin)
}

func TestSelectBindingsCustomTable(t *testing.T) {
	target := mustTarget(t, "s390x-unknown-linux-gnu", "")
	plan, err := SelectBindings(target, testConfig(), SupportTable{"linux_s390x": true})
	require.NoError(t, err)
	assert.Equal(t, OriginPregenerated, plan.Origin)
}

func TestMaterializePlain(t *testing.T) {
	dir := t.TempDir()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	writeFile(t, filepath.Join(dir, "linux_x86_64_crypto.go"), "package fipssys\n")

	plan, err := SelectBindings(target, testConfig(), DefaultSupportTable())
	require.NoError(t, err)
	set, err := plan.Materialize(dir, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, OriginPregenerated, set.Origin())
	assert.Equal(t, filepath.Join(dir, "linux_x86_64_crypto.go"), set.File())
	assert.False(t, set.requiresSymbolCheck())
}

func TestMaterializeCompressed(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	target := mustTarget(t, "aarch64-apple-darwin", "")
	compressed, err := compress([]byte("package fipssys\n"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "darwin_aarch64_crypto.go.zst"), compressed, 0o644))

	plan := BindingPlan{Origin: OriginPregenerated, Target: target, Name: BindingSetName(target, testConfig())}
	set, err := plan.Materialize(dir, out)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "bindings", "darwin_aarch64_crypto.go"), set.File())
	data, err := os.ReadFile(set.File())
	require.NoError(t, err)
	assert.Equal(t, "package fipssys\n", string(data))
}

func TestMaterializeMissing(t *testing.T) {
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "")
	plan := BindingPlan{Origin: OriginPregenerated, Target: target, Name: "linux_x86_64_crypto"}
	_, err := plan.Materialize(t.TempDir(), t.TempDir())
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "linux_x86_64_crypto.go not found")

	gen := BindingPlan{Origin: OriginGenerated, Target: target, Name: "linux_x86_64_crypto"}
	_, err = gen.Materialize(t.TempDir(), t.TempDir())
	assert.Error(t, err)
}

func TestGeneratedBindingsRequireSymbolCheck(t *testing.T) {
	var set BindingSet = GeneratedBindings{Path: "x.go", Fingerprint: "ab"}
	assert.True(t, set.requiresSymbolCheck())
	assert.Equal(t, OriginGenerated, set.Origin())
}
