package lcfips

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
)

// ArchiveSymbols lists the global symbols defined by the archives, using nm
// in POSIX output mode.
func ArchiveSymbols(ctx context.Context, runner Runner, nm Tool, archives []Archive, t TargetSpec) (map[string]bool, error) {
	if !nm.Found() {
		return nil, missingPrerequisite(t.Triple, "nm", "a symbol table reader is required to validate bindings")
	}
	exported := make(map[string]bool)
	for _, a := range archives {
		res, err := runner.Run(ctx, Command{Path: nm.Path, Args: []string{"-g", "-P", a.Path}, SeparateStderr: true})
		if err != nil {
			return nil, filesystemError(StageBindings, t.Triple, "reading symbols of "+a.Path, err)
		}
		if res.ExitCode != 0 {
			e := filesystemError(StageBindings, t.Triple,
				fmt.Sprintf("nm exited with code %d for %s", res.ExitCode, a.Path), nil)
			e.Tool = nm.Path
			e.Diagnostics = string(res.Stderr)
			return nil, e
		}
		for sym := range parseNM(string(res.Output), t.OS == OSDarwin) {
			exported[sym] = true
		}
	}
	return exported, nil
}

// parseNM reads `nm -P` output: "name type [value [size]]" per line, with
// "archive[member.o]:" headers between members.
func parseNM(out string, stripUnderscore bool) map[string]bool {
	syms := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || strings.HasSuffix(fields[0], ":") {
			continue
		}
		switch fields[1] {
		case "U", "u", "w", "v":
			continue
		}
		name := fields[0]
		if stripUnderscore {
			name = strings.TrimPrefix(name, "_")
		}
		syms[name] = true
	}
	return syms
}

// VerifySymbols checks that every declared function is exported by the
// built archives under its declared link name.
func VerifySymbols(d *DeclFile, exported map[string]bool, target string) error {
	var missing []string
	for _, fn := range d.Functions {
		if !exported[fn.LinkName] {
			missing = append(missing, fn.LinkName)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return symbolPrefixMismatch(target,
		fmt.Sprintf("%d declared symbols are not exported by the archives: %s", len(missing), summarize(missing, 5)))
}
