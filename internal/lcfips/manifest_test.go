package lcfips

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifestInputs(t *testing.T) (TargetSpec, NativeArtifact, BindingSet, LinkPlan) {
	dir := t.TempDir()
	target := mustTarget(t, "x86_64-unknown-linux-gnu", "x86_64-unknown-linux-gnu")
	archive := filepath.Join(dir, "libaws_lc_fips_0_13_7_crypto.a")
	writeFile(t, archive, "!<arch>\n")
	bindings := filepath.Join(dir, "linux_x86_64_crypto.go")
	writeFile(t, bindings, "package fipssys\n")

	art := NativeArtifact{
		OutputDir: dir,
		Archives:  []Archive{{Module: ModuleCrypto, Name: "aws_lc_fips_0_13_7_crypto", Path: archive}},
		Flags:     NativeDefinitions(target, testConfig()),
	}
	return target, art, GeneratedBindings{Path: bindings, Fingerprint: "f00d"}, PlanLink(art, testConfig(), target)
}

func TestNewManifest(t *testing.T) {
	target, art, set, plan := manifestInputs(t)

	m, err := NewManifest(target, testConfig(), art, set, plan)
	require.NoError(t, err)
	assert.Equal(t, upstreamVersion, m.LibraryVersion)
	assert.Equal(t, "x86_64-unknown-linux-gnu", m.Target)
	assert.True(t, m.Config.FIPS)
	require.Len(t, m.Archives, 1)
	assert.Len(t, m.Archives[0].BLAKE3, 64)
	assert.Equal(t, OriginGenerated, m.Bindings.Origin)
	assert.Equal(t, "f00d", m.Bindings.Fingerprint)
	assert.Equal(t, []string{"aws_lc_fips_0_13_7_crypto"}, m.Link.Libraries)

	id, err := uuid.Parse(m.BuildID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())

	again, err := NewManifest(target, testConfig(), art, set, plan)
	require.NoError(t, err)
	assert.Equal(t, m.BuildID, again.BuildID, "identical inputs give identical build ids")

	writeFile(t, art.Archives[0].Path, "!<arch>\nchanged")
	changed, err := NewManifest(target, testConfig(), art, set, plan)
	require.NoError(t, err)
	assert.NotEqual(t, m.BuildID, changed.BuildID)
}

func TestNewManifestMissingArchive(t *testing.T) {
	target, art, set, plan := manifestInputs(t)
	require.NoError(t, os.Remove(art.Archives[0].Path))

	_, err := NewManifest(target, testConfig(), art, set, plan)
	require.ErrorIs(t, err, ErrFilesystem)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, StageManifest, e.Stage)
}

func TestManifestWrite(t *testing.T) {
	target, art, set, plan := manifestInputs(t)
	m, err := NewManifest(target, testConfig(), art, set, plan)
	require.NoError(t, err)
	m.RunID = "run-1"

	dir := t.TempDir()
	path, err := m.Write(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "run-1", raw["run_id"])
	assert.Equal(t, m.BuildID, raw["build_id"])
	assert.Contains(t, raw, "definitions")
}
