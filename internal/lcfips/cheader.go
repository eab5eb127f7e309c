package lcfips

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// cSurface is what the scanner extracted from the preprocessed headers.
type cSurface struct {
	Functions []cFunc
	Types     []TypeDecl
	Ints      []IntTypedef
	Enums     []ConstDecl
}

type cFunc struct {
	Name  string
	Proto string // single line, without the trailing semicolon
}

// lineMarkerRe matches `# 12 "file" 1` (gcc, clang) and `#line 12 "file"`.
var lineMarkerRe = regexp.MustCompile(`^#\s*(?:line\s+)?\d+\s+"([^"]*)"`)

// filterPreprocessed keeps only the text that came from files under one of
// dirs, using the preprocessor's line markers.
func filterPreprocessed(out string, dirs []string) string {
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		clean = append(clean, filepath.Clean(d)+string(os.PathSeparator))
	}
	keep := false
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		if m := lineMarkerRe.FindStringSubmatch(line); m != nil {
			file := filepath.Clean(m[1])
			keep = false
			for _, d := range clean {
				if strings.HasPrefix(file, d) {
					keep = true
					break
				}
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			// #pragma and friends
			continue
		}
		if keep {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// splitDecls cuts C source into top-level declarations with whitespace
// collapsed. Function definitions (static inline helpers) are dropped.
func splitDecls(src string) []string {
	var decls []string
	var cur strings.Builder
	braces, parens := 0, 0
	definition := false

	flush := func() {
		s := strings.Join(strings.Fields(cur.String()), " ")
		cur.Reset()
		if s != "" && !definition {
			decls = append(decls, s)
		}
		definition = false
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '"', '\'':
			// copy the literal verbatim
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				j = len(src) - 1
			}
			cur.WriteString(src[i : j+1])
			i = j
			continue
		case '(':
			parens++
		case ')':
			parens--
		case '{':
			if braces == 0 && parens == 0 {
				head := strings.TrimSpace(cur.String())
				if strings.HasSuffix(head, ")") && !isTypeHead(head) {
					definition = true
				}
			}
			braces++
		case '}':
			braces--
			if braces == 0 && definition {
				cur.WriteByte(c)
				flush()
				continue
			}
		case ';':
			if braces == 0 && parens == 0 {
				flush()
				continue
			}
		}
		cur.WriteByte(c)
	}
	flush()
	return decls
}

func isTypeHead(head string) bool {
	for _, kw := range []string{"typedef", "struct", "union", "enum"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

// stripAttributes removes compiler extensions that do not affect the
// declaration's meaning for binding purposes.
func stripAttributes(s string) string {
	for _, kw := range []string{"__attribute__", "__declspec", "__asm__", "__asm"} {
		for {
			i := strings.Index(s, kw)
			if i < 0 {
				break
			}
			j := i + len(kw)
			for j < len(s) && s[j] == ' ' {
				j++
			}
			if j >= len(s) || s[j] != '(' {
				s = s[:i] + s[j:]
				continue
			}
			depth := 0
			k := j
			for ; k < len(s); k++ {
				if s[k] == '(' {
					depth++
				} else if s[k] == ')' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if k < len(s) {
				k++
			}
			s = s[:i] + s[k:]
		}
	}
	for _, kw := range []string{"__extension__", "__restrict__", "__restrict", "__inline__", "__inline"} {
		s = strings.ReplaceAll(s, kw, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

// scanSurface classifies declarations. dm decides integer typedef widths.
func scanSurface(decls []string, dm DataModel) cSurface {
	var surf cSurface
	known := make(map[string]string) // integer typedef name -> Go type
	consts := make(map[string]string)

	for _, raw := range decls {
		s := stripAttributes(raw)
		switch {
		case s == "":
		case strings.HasPrefix(s, "typedef "):
			scanTypedef(&surf, strings.TrimPrefix(s, "typedef "), dm, known, consts)
		case strings.HasPrefix(s, "enum") && strings.Contains(s, "{"):
			surf.Enums = append(surf.Enums, enumConstants(s, consts)...)
		case strings.HasPrefix(s, "struct ") || strings.HasPrefix(s, "union "):
		case strings.Contains(s, "{"):
		case strings.Contains(s, "("):
			if fn, ok := scanPrototype(s); ok {
				surf.Functions = append(surf.Functions, fn)
			}
		}
	}
	return surf
}

func scanPrototype(s string) (cFunc, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "extern "))
	if strings.HasPrefix(s, "static ") || strings.HasPrefix(s, "inline ") {
		return cFunc{}, false
	}
	i := strings.IndexByte(s, '(')
	if i <= 0 || strings.HasPrefix(strings.TrimSpace(s[i+1:]), "*") {
		// function pointer variables and functions returning them
		return cFunc{}, false
	}
	name := declaredName(s)
	if name == "" || !goName(name) || strings.TrimSpace(s[:i]) == name {
		return cFunc{}, false
	}
	return cFunc{Name: name, Proto: s}, true
}

var trailingIdentRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*$`)

func scanTypedef(surf *cSurface, body string, dm DataModel, known, consts map[string]string) {
	// typedef int (*cb)(int);
	if i := strings.Index(body, "(*"); i >= 0 {
		rest := body[i+2:]
		if j := strings.IndexByte(rest, ')'); j > 0 {
			name := strings.TrimSpace(rest[:j])
			surf.Types = append(surf.Types, TypeDecl{Name: name, CName: name})
		}
		return
	}

	if strings.HasPrefix(body, "enum") {
		if strings.Contains(body, "{") {
			surf.Enums = append(surf.Enums, enumConstants(body, consts)...)
		}
		if m := trailingIdentRe.FindStringSubmatch(body); m != nil {
			known[m[1]] = "int32"
			surf.Ints = append(surf.Ints, IntTypedef{Name: m[1], GoType: "int32"})
		}
		return
	}

	if strings.HasSuffix(body, "]") {
		// typedef uint8_t X[16];
		if k := strings.IndexByte(body, '['); k > 0 {
			if m := trailingIdentRe.FindStringSubmatch(body[:k]); m != nil {
				surf.Types = append(surf.Types, TypeDecl{Name: m[1], CName: m[1]})
			}
		}
		return
	}

	m := trailingIdentRe.FindStringSubmatch(body)
	if m == nil {
		return
	}
	name := m[1]
	base := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), name))

	if strings.HasPrefix(base, "struct") || strings.HasPrefix(base, "union") || strings.Contains(base, "*") {
		surf.Types = append(surf.Types, TypeDecl{Name: name, CName: name})
		return
	}
	if goType, ok := intGoType(base, dm, known); ok {
		known[name] = goType
		surf.Ints = append(surf.Ints, IntTypedef{Name: name, GoType: goType})
		return
	}
	surf.Types = append(surf.Types, TypeDecl{Name: name, CName: name})
}

// intGoType maps a C integer type to its fixed-width Go type under dm.
func intGoType(base string, dm DataModel, known map[string]string) (string, bool) {
	var words []string
	for _, w := range strings.Fields(base) {
		if w != "const" && w != "volatile" && w != "int" || len(strings.Fields(base)) == 1 {
			words = append(words, w)
		}
	}
	t := strings.Join(words, " ")
	if t == "" {
		t = "int"
	}

	ptr := "64"
	if dm == ILP32 {
		ptr = "32"
	}
	long := "64"
	if dm != LP64 {
		long = "32"
	}

	switch t {
	case "signed char":
		return "int8", true
	case "unsigned char":
		return "uint8", true
	case "short", "signed short":
		return "int16", true
	case "unsigned short":
		return "uint16", true
	case "int", "signed", "signed int":
		return "int32", true
	case "unsigned", "unsigned int":
		return "uint32", true
	case "long", "signed long":
		return "int" + long, true
	case "unsigned long":
		return "uint" + long, true
	case "long long", "signed long long":
		return "int64", true
	case "unsigned long long":
		return "uint64", true
	case "int8_t", "int16_t", "int32_t", "int64_t":
		return strings.TrimSuffix(t, "_t"), true
	case "uint8_t", "uint16_t", "uint32_t", "uint64_t":
		return strings.TrimSuffix(t, "_t"), true
	case "size_t", "uintptr_t":
		return "uint" + ptr, true
	case "ssize_t", "ptrdiff_t", "intptr_t":
		return "int" + ptr, true
	}
	if g, ok := known[t]; ok {
		return g, true
	}
	return "", false
}

// enumConstants evaluates the enumerators of an enum body. Enumerators
// after one that cannot be evaluated are dropped.
func enumConstants(s string, consts map[string]string) []ConstDecl {
	open := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if open < 0 || end < open {
		return nil
	}
	var out []ConstDecl
	next := int64(0)
	for _, item := range splitTopLevel(s[open+1:end], ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, expr, hasValue := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		val := next
		if hasValue {
			v, err := evalConstExpr(strings.TrimSpace(expr), consts)
			if err != nil {
				break
			}
			val = v
		}
		value := strconv.FormatInt(val, 10)
		consts[name] = value
		out = append(out, ConstDecl{Name: name, Value: value})
		next = val + 1
	}
	return out
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

var defineRe = regexp.MustCompile(`^\s*#\s*define\s+([A-Za-z_][A-Za-z0-9_]*)(\(?)`)

// headerMacroNames lists object-like macros defined in the given files.
func headerMacroNames(files []string) (map[string]bool, error) {
	names := make(map[string]bool)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if m := defineRe.FindStringSubmatch(line); m != nil && m[2] == "" {
				names[m[1]] = true
			}
		}
	}
	return names, nil
}

// macroConstants resolves the integer-valued macros among wanted from
// `-E -dM` output. Macros referring to other constants are resolved in
// later passes.
func macroConstants(dM string, wanted map[string]bool, consts map[string]string) []ConstDecl {
	bodies := make(map[string]string)
	for _, line := range strings.Split(dM, "\n") {
		m := defineRe.FindStringSubmatch(line)
		if m == nil || m[2] != "" || !wanted[m[1]] || strings.HasPrefix(m[1], "__") {
			continue
		}
		loc := defineRe.FindStringIndex(line)
		body := strings.TrimSpace(line[loc[1]:])
		if body != "" {
			bodies[m[1]] = body
		}
	}

	names := make([]string, 0, len(bodies))
	for n := range bodies {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []ConstDecl
	for {
		progress := false
		for _, n := range names {
			if _, done := consts[n]; done {
				continue
			}
			value, err := constLiteral(bodies[n], consts)
			if err != nil {
				continue
			}
			consts[n] = value
			out = append(out, ConstDecl{Name: n, Value: value})
			progress = true
		}
		if !progress {
			break
		}
	}
	return out
}

// constLiteral evaluates expr. A lone unsigned literal too large for int64
// keeps its unsigned value.
func constLiteral(expr string, consts map[string]string) (string, error) {
	e := strings.TrimSpace(expr)
	for strings.HasPrefix(e, "(") && strings.HasSuffix(e, ")") && balanced(e[1:len(e)-1]) {
		e = strings.TrimSpace(e[1 : len(e)-1])
	}
	if u, ok := parseIntLiteral(e); ok && u > 1<<63-1 {
		return strconv.FormatUint(u, 10), nil
	}
	v, err := evalConstExpr(e, consts)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

func balanced(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func parseIntLiteral(tok string) (uint64, bool) {
	t := strings.TrimRight(tok, "uUlL")
	if t == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X"):
		base, t = 16, t[2:]
	case len(t) > 1 && t[0] == '0':
		base, t = 8, t[1:]
	}
	u, err := strconv.ParseUint(t, base, 64)
	return u, err == nil
}

// evalConstExpr evaluates an integer constant expression over literals and
// previously resolved constants.
func evalConstExpr(expr string, consts map[string]string) (int64, error) {
	toks, err := tokenizeExpr(expr)
	if err != nil {
		return 0, err
	}
	p := &exprParser{toks: toks, consts: consts}
	v, err := p.binary(0)
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.toks) {
		return 0, fmt.Errorf("unexpected %q", p.toks[p.pos])
	}
	return v, nil
}

func tokenizeExpr(s string) ([]string, error) {
	var toks []string
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		case i+1 < len(s) && (s[i:i+2] == "<<" || s[i:i+2] == ">>"):
			toks = append(toks, s[i:i+2])
			i += 2
		case strings.IndexByte("()+-*/%&|^~", c) >= 0:
			toks = append(toks, string(c))
			i++
		default:
			return nil, fmt.Errorf("unsupported character %q", c)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

type exprParser struct {
	toks   []string
	pos    int
	consts map[string]string
}

var binaryPrec = map[string]int{
	"|": 1, "^": 2, "&": 3,
	"<<": 4, ">>": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (p *exprParser) binary(minPrec int) (int64, error) {
	lhs, err := p.unary()
	if err != nil {
		return 0, err
	}
	for p.pos < len(p.toks) {
		op := p.toks[p.pos]
		prec, ok := binaryPrec[op]
		if !ok || prec < minPrec {
			break
		}
		p.pos++
		rhs, err := p.binary(prec + 1)
		if err != nil {
			return 0, err
		}
		switch op {
		case "|":
			lhs |= rhs
		case "^":
			lhs ^= rhs
		case "&":
			lhs &= rhs
		case "<<":
			if rhs < 0 || rhs > 63 {
				return 0, fmt.Errorf("shift out of range")
			}
			lhs <<= uint(rhs)
		case ">>":
			if rhs < 0 || rhs > 63 {
				return 0, fmt.Errorf("shift out of range")
			}
			lhs >>= uint(rhs)
		case "+":
			lhs += rhs
		case "-":
			lhs -= rhs
		case "*":
			lhs *= rhs
		case "/", "%":
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			if op == "/" {
				lhs /= rhs
			} else {
				lhs %= rhs
			}
		}
	}
	return lhs, nil
}

func (p *exprParser) unary() (int64, error) {
	if p.pos >= len(p.toks) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	tok := p.toks[p.pos]
	p.pos++
	switch tok {
	case "-":
		v, err := p.unary()
		return -v, err
	case "+":
		return p.unary()
	case "~":
		v, err := p.unary()
		return ^v, err
	case "(":
		v, err := p.binary(0)
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos] != ")" {
			return 0, fmt.Errorf("missing )")
		}
		p.pos++
		return v, nil
	}
	if tok[0] >= '0' && tok[0] <= '9' {
		u, ok := parseIntLiteral(tok)
		if !ok {
			return 0, fmt.Errorf("bad literal %q", tok)
		}
		return int64(u), nil
	}
	if v, ok := p.consts[tok]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return int64(u), nil
		}
	}
	return 0, fmt.Errorf("unknown identifier %q", tok)
}
