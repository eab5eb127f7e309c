package lcfips

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// sourceMarker records which archive digest a source tree was extracted from.
const sourceMarker = ".lcfips-source"

// PrepareSource returns the library source tree to build. A directory is
// used in place; an archive is verified against checksum (when given) and
// extracted into <out>/src, reusing a previous extraction of the same digest.
func PrepareSource(path, checksum, outDir, target string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", filesystemError(StageSource, target, "library source not found", err)
	}
	if fi.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", filesystemError(StageSource, target, "resolving "+path, err)
		}
		return abs, nil
	}
	if !isSourceArchive(path) {
		return "", filesystemError(StageSource, target, "unsupported source archive "+filepath.Base(path), nil)
	}

	digest, err := hashFile(path)
	if err != nil {
		return "", filesystemError(StageSource, target, "hashing "+path, err)
	}
	if checksum != "" && !strings.EqualFold(digest, checksum) {
		return "", filesystemError(StageSource, target,
			fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", filepath.Base(path), checksum, digest), nil)
	}

	dest, err := filepath.Abs(filepath.Join(outDir, "src"))
	if err != nil {
		return "", filesystemError(StageSource, target, "resolving output dir", err)
	}
	if prev, err := os.ReadFile(filepath.Join(dest, sourceMarker)); err == nil && strings.TrimSpace(string(prev)) == digest {
		return dest, nil
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", filesystemError(StageSource, target, "clearing "+dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", filesystemError(StageSource, target, "creating "+dest, err)
	}

	// Every write goes through the root, so links planted by the archive
	// cannot carry a later entry outside dest.
	root, err := os.OpenRoot(dest)
	if err != nil {
		return "", filesystemError(StageSource, target, "opening "+dest, err)
	}
	defer root.Close()

	if strings.HasSuffix(path, ".zip") {
		err = unzipSource(path, root)
	} else {
		err = extractTar(path, root)
	}
	if err != nil {
		return "", filesystemError(StageSource, target, "extracting "+filepath.Base(path), err)
	}
	if err := root.WriteFile(sourceMarker, []byte(digest+"\n"), 0o644); err != nil {
		return "", filesystemError(StageSource, target, "writing source marker", err)
	}
	return dest, nil
}

var sourceSuffixes = []string{".tar.gz", ".tgz", ".tar.xz", ".tar.zst", ".tar", ".zip"}

func isSourceArchive(path string) bool {
	for _, s := range sourceSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// localName cleans an archive entry name and refuses names that would
// leave the extraction root lexically.
func localName(name string) (string, error) {
	p := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return p, nil
}

// mkdirParent creates the parent directories of name inside root.
func mkdirParent(root *os.Root, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return root.MkdirAll(dir, 0o755)
}

// stripTop removes the single top-level directory most release archives
// carry ("aws-lc-fips-3.0.0/include/..." -> "include/...").
func stripTop(name, prefix string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, prefix)
}

func topPrefix(name string) string {
	if i := strings.IndexByte(name, '/'); i > 0 {
		return name[:i+1]
	}
	return ""
}

func unzipSource(src string, root *os.Root) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	prefix := ""
	if len(r.File) > 0 {
		prefix = topPrefix(r.File[0].Name)
		for _, f := range r.File {
			if !strings.HasPrefix(f.Name, prefix) {
				prefix = ""
				break
			}
		}
	}

	for _, f := range r.File {
		name := stripTop(f.Name, prefix)
		if name == "" {
			continue
		}
		fpath, err := localName(name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := root.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := mkdirParent(root, fpath); err != nil {
			return err
		}
		if err := writeEntry(root, fpath, f.Mode(), func() (io.ReadCloser, error) { return f.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(root *os.Root, name string, mode os.FileMode, open func() (io.ReadCloser, error)) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// extractTar extracts a (possibly compressed) tar archive into root,
// stripping the top-level directory.
func extractTar(path string, root *os.Root) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		r = xr
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".tar"):
	default:
		return fmt.Errorf("unsupported archive format: %s", path)
	}

	tr := tar.NewReader(r)
	var prefix string
	first := true
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if first {
			prefix = topPrefix(hdr.Name)
			if prefix == "" && hdr.Typeflag == tar.TypeDir {
				prefix = strings.TrimSuffix(hdr.Name, "/") + "/"
			}
			first = false
		}

		name := hdr.Name
		if name+"/" == prefix {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			name = stripTop(name, prefix)
		}
		if name == "" || name == "/" {
			continue
		}
		target, err := localName(name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := mkdirParent(root, target); err != nil {
				return err
			}
			if err := writeEntry(root, target, os.FileMode(hdr.Mode), func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }); err != nil {
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
		case tar.TypeSymlink:
			// Only links that stay inside the tree.
			if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(target), hdr.Linkname)) {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := mkdirParent(root, target); err != nil {
				return err
			}
			if err := root.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		}
	}
	return nil
}
