package lcfips

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"lukechampine.com/blake3"
)

func hashBytes(b []byte) string {
	h := blake3.New(32, nil)
	h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// hashFile returns the hex BLAKE3-256 digest of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 128*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// hashTree digests every regular file under root that keep accepts, in
// sorted relative-path order. Paths use forward slashes so the digest does
// not depend on the host.
func hashTree(root string, keep func(rel string) bool) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep == nil || keep(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := blake3.New(32, nil)
	for _, rel := range files {
		sum, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%s\n", rel, sum)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
