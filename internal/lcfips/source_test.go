package lcfips

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveEntry struct {
	name, body string
	link       string
}

func writeTarGz(t *testing.T, path string, entries []archiveEntry) {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Mode: 0o777, Typeflag: tar.TypeSymlink, Linkname: e.link}
		case e.name[len(e.name)-1] == '/':
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestPrepareSourceDirectory(t *testing.T) {
	src := t.TempDir()
	got, err := PrepareSource(src, "", t.TempDir(), "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, src, got)

	_, err = PrepareSource(filepath.Join(src, "missing"), "", t.TempDir(), "x86_64-unknown-linux-gnu")
	assert.ErrorIs(t, err, ErrFilesystem)
}

func TestPrepareSourceTarGz(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "aws-lc-fips-3.0.0.tar.gz")
	writeTarGz(t, archive, []archiveEntry{
		{name: "aws-lc-fips-3.0.0/"},
		{name: "aws-lc-fips-3.0.0/CMakeLists.txt", body: "project(AWSLC C)\n"},
		{name: "aws-lc-fips-3.0.0/include/openssl/base.h", body: "#define OPENSSL_IS_AWSLC 1\n"},
	})

	src, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "src"), src)

	data, err := os.ReadFile(filepath.Join(src, "include", "openssl", "base.h"))
	require.NoError(t, err)
	assert.Equal(t, "#define OPENSSL_IS_AWSLC 1\n", string(data))

	digest, err := hashFile(archive)
	require.NoError(t, err)
	marker, err := os.ReadFile(filepath.Join(src, sourceMarker))
	require.NoError(t, err)
	assert.Equal(t, digest+"\n", string(marker))

	// A second run with the same digest keeps the tree as it is.
	writeFile(t, filepath.Join(src, "build-note"), "kept")
	again, err := PrepareSource(archive, digest, out, "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, src, again)
	assert.FileExists(t, filepath.Join(src, "build-note"))
}

func TestPrepareSourceChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar.gz")
	writeTarGz(t, archive, []archiveEntry{{name: "top/a.h", body: "x"}})

	_, err := PrepareSource(archive, "00ff", t.TempDir(), "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "checksum mismatch for src.tar.gz")
}

func TestPrepareSourceRejectsTraversal(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, []archiveEntry{
		{name: "top/ok.h", body: "x"},
		{name: "top/../../escape.h", body: "x"},
	})

	_, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "illegal file path")
	assert.NoFileExists(t, filepath.Join(out, "escape.h"))
}

func TestPrepareSourceRejectsSymlinkChains(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "chain.tar.gz")
	// Each link is local on its own; together l2 names the parent of src.
	writeTarGz(t, archive, []archiveEntry{
		{name: "top/"},
		{name: "top/l1", link: "."},
		{name: "top/l2", link: "l1/.."},
		{name: "top/l2/escaped.txt", body: "x"},
	})

	_, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrFilesystem)
	assert.NoFileExists(t, filepath.Join(out, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "escaped.txt"))
}

func TestPrepareSourceRejectsEscapingSymlink(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "link.tar.gz")
	writeTarGz(t, archive, []archiveEntry{
		{name: "top/"},
		{name: "top/include/up", link: "../../.."},
	})

	_, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "illegal symlink in archive")
}

func TestPrepareSourceKeepsInternalSymlinks(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "ok.tar.gz")
	writeTarGz(t, archive, []archiveEntry{
		{name: "top/"},
		{name: "top/include/openssl/base.h", body: "#define OPENSSL_IS_AWSLC 1\n"},
		{name: "top/include/aws", link: "openssl"},
	})

	src, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(src, "include", "aws", "base.h"))
	require.NoError(t, err)
	assert.Equal(t, "#define OPENSSL_IS_AWSLC 1\n", string(data))
}

func TestPrepareSourceZip(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	archive := filepath.Join(dir, "src.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"aws-lc/include/openssl/crypto.h": "int FIPS_mode(void);\n",
		"aws-lc/CMakeLists.txt":           "project(AWSLC C)\n",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	src, err := PrepareSource(archive, "", out, "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(src, "include", "openssl", "crypto.h"))
	assert.FileExists(t, filepath.Join(src, "CMakeLists.txt"))
}

func TestPrepareSourceUnsupportedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.rar")
	writeFile(t, path, "rar")
	_, err := PrepareSource(path, "", t.TempDir(), "x86_64-unknown-linux-gnu")
	require.ErrorIs(t, err, ErrFilesystem)
	assert.Contains(t, err.Error(), "unsupported source archive src.rar")
}
