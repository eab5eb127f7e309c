package lcfips

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// PrefixHeaderPath is where the library keeps its symbol prefix map,
// relative to the source root.
const PrefixHeaderPath = "generated-include/openssl/boringssl_prefix_symbols.h"

// PrefixMap is the set of symbols the native build compiles under the
// private prefix. An empty Symbols set means every symbol is prefixed.
type PrefixMap struct {
	Prefix  string
	Symbols map[string]struct{}
}

var prefixDefineRe = regexp.MustCompile(`^#\s*define\s+([A-Za-z_][A-Za-z0-9_]*)\s+BORINGSSL_ADD_PREFIX\(\s*BORINGSSL_PREFIX\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)`)

// ParsePrefixMap reads "#define X BORINGSSL_ADD_PREFIX(BORINGSSL_PREFIX, X)"
// lines from r.
func ParsePrefixMap(r io.Reader, prefix string) (PrefixMap, error) {
	pm := PrefixMap{Prefix: prefix, Symbols: make(map[string]struct{})}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		m := prefixDefineRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil || m[1] != m[2] {
			continue
		}
		pm.Symbols[m[1]] = struct{}{}
	}
	return pm, sc.Err()
}

// LoadPrefixMap reads the prefix header under sourceDir. A missing header
// yields the "everything is prefixed" map.
func LoadPrefixMap(sourceDir, prefix string) (PrefixMap, error) {
	f, err := os.Open(filepath.Join(sourceDir, filepath.FromSlash(PrefixHeaderPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return PrefixMap{Prefix: prefix}, nil
		}
		return PrefixMap{}, err
	}
	defer f.Close()
	return ParsePrefixMap(f, prefix)
}

// Rewrite returns the link name the native build gives symbol.
func (p PrefixMap) Rewrite(symbol string) string {
	if p.Prefix == "" {
		return symbol
	}
	if len(p.Symbols) > 0 {
		if _, ok := p.Symbols[symbol]; !ok {
			return symbol
		}
	}
	return p.Prefix + "_" + symbol
}

// CheckPrefix verifies that a declaration file was produced under the same
// prefix transformation the native build applies. It applies to pregenerated
// and generated sets alike.
func CheckPrefix(d *DeclFile, pm PrefixMap, target string) error {
	if d.Prefix != pm.Prefix {
		return symbolPrefixMismatch(target,
			fmt.Sprintf("declarations were produced for prefix %q but the library is built with %q", d.Prefix, pm.Prefix))
	}
	var bad []string
	for _, fn := range d.Functions {
		if want := pm.Rewrite(fn.Name); fn.LinkName != want {
			bad = append(bad, fmt.Sprintf("%s declared as %s, expected %s", fn.Name, fn.LinkName, want))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return symbolPrefixMismatch(target, summarize(bad, 5))
	}
	return nil
}

// summarize joins the first n items and counts the rest.
func summarize(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, "; ")
	}
	return fmt.Sprintf("%s; and %d more", strings.Join(items[:n], "; "), len(items)-n)
}
