package lcfips

import (
	"bufio"
	"bytes"
	"fmt"
	"go/token"
	"io"
	"sort"
	"strings"
)

// DefaultBindingsPackage is the Go package name written into declaration
// files.
const DefaultBindingsPackage = "fipssys"

const declHeader = "// Code generated by lcfips bindgen. DO NOT EDIT."

// FuncDecl is one externally visible function.
type FuncDecl struct {
	// Name is the symbol as spelled in the public headers.
	Name string
	// LinkName is the symbol the archive exports after prefixing.
	LinkName string
	// Prototype is the C prototype spelled with LinkName, without the
	// trailing semicolon.
	Prototype string
}

// TypeDecl aliases a C type that Go code only handles by pointer.
type TypeDecl struct {
	Name  string
	CName string // cgo spelling, e.g. AES_KEY or struct_evp_md_st
}

// IntTypedef is an integer typedef resolved to a fixed-width Go type for
// the target data model.
type IntTypedef struct {
	Name   string
	GoType string
}

// ConstDecl is an enum or macro integer constant.
type ConstDecl struct {
	Name  string
	Value string
}

// DeclFile is the declaration set for one target: a cgo-ready Go source.
type DeclFile struct {
	Package   string
	Target    string
	GOOS      string
	GOARCH    string
	DataModel DataModel
	Prefix    string
	Headers   []string
	Functions []FuncDecl
	Types     []TypeDecl
	Ints      []IntTypedef
	Consts    []ConstDecl
}

// normalize sorts every section and drops duplicates and names Go cannot
// declare, so rendering is a pure function of the set contents.
func (d *DeclFile) normalize() {
	if d.Package == "" {
		d.Package = DefaultBindingsPackage
	}
	d.Headers = uniqueSorted(d.Headers)

	seenFn := make(map[string]bool)
	fns := d.Functions[:0:0]
	for _, f := range d.Functions {
		if !seenFn[f.Name] {
			seenFn[f.Name] = true
			fns = append(fns, f)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	d.Functions = fns

	taken := make(map[string]bool)
	types := d.Types[:0:0]
	for _, t := range d.Types {
		if goName(t.Name) && !taken[t.Name] {
			taken[t.Name] = true
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	d.Types = types

	ints := d.Ints[:0:0]
	for _, t := range d.Ints {
		if goName(t.Name) && !taken[t.Name] {
			taken[t.Name] = true
			ints = append(ints, t)
		}
	}
	sort.Slice(ints, func(i, j int) bool { return ints[i].Name < ints[j].Name })
	d.Ints = ints

	consts := d.Consts[:0:0]
	for _, c := range d.Consts {
		if goName(c.Name) && !taken[c.Name] {
			taken[c.Name] = true
			consts = append(consts, c)
		}
	}
	sort.Slice(consts, func(i, j int) bool { return consts[i].Name < consts[j].Name })
	d.Consts = consts
}

func goName(name string) bool {
	return token.IsIdentifier(name) && name != "_"
}

func uniqueSorted(in []string) []string {
	set := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !set[s] {
			set[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Render writes the declaration file. The output contains no timestamps or
// host paths, so equal sets render to equal bytes.
func (d *DeclFile) Render(w io.Writer) error {
	d.normalize()
	var b bytes.Buffer

	fmt.Fprintln(&b, declHeader)
	fmt.Fprintf(&b, "// target: %s (%s)\n", d.Target, d.DataModel)
	fmt.Fprintf(&b, "// prefix: %s\n\n", d.Prefix)
	if d.GOOS != "" && d.GOARCH != "" {
		fmt.Fprintf(&b, "//go:build %s && %s\n\n", d.GOOS, d.GOARCH)
	}
	fmt.Fprintf(&b, "package %s\n\n", d.Package)

	b.WriteString("/*\n")
	if d.Prefix != "" {
		fmt.Fprintf(&b, "#cgo CFLAGS: -DBORINGSSL_PREFIX=%s\n", d.Prefix)
	}
	for _, h := range d.Headers {
		fmt.Fprintf(&b, "#include <%s>\n", h)
	}
	if len(d.Functions) > 0 {
		b.WriteByte('\n')
	}
	for _, f := range d.Functions {
		fmt.Fprintf(&b, "%s; // %s\n", f.Prototype, f.Name)
	}
	b.WriteString("*/\nimport \"C\"\n")

	if len(d.Types) > 0 {
		b.WriteString("\ntype (\n")
		for _, t := range d.Types {
			fmt.Fprintf(&b, "\t%s = C.%s\n", t.Name, t.CName)
		}
		b.WriteString(")\n")
	}
	if len(d.Ints) > 0 {
		b.WriteString("\ntype (\n")
		for _, t := range d.Ints {
			fmt.Fprintf(&b, "\t%s = %s\n", t.Name, t.GoType)
		}
		b.WriteString(")\n")
	}
	if len(d.Consts) > 0 {
		b.WriteString("\nconst (\n")
		for _, c := range d.Consts {
			fmt.Fprintf(&b, "\t%s = %s\n", c.Name, c.Value)
		}
		b.WriteString(")\n")
	}

	_, err := w.Write(b.Bytes())
	return err
}

// ParseDeclFile reads a declaration file written by Render.
func ParseDeclFile(r io.Reader) (*DeclFile, error) {
	d := &DeclFile{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	const (
		top = iota
		preamble
		typeBlock
		constBlock
	)
	state := top
	lineNo := 0
	sawHeader := false
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		switch state {
		case top:
			switch {
			case trimmed == declHeader:
				sawHeader = true
			case strings.HasPrefix(trimmed, "// target: "):
				rest := strings.TrimPrefix(trimmed, "// target: ")
				if i := strings.Index(rest, " ("); i >= 0 {
					d.Target = rest[:i]
					d.DataModel = DataModel(strings.TrimSuffix(rest[i+2:], ")"))
				} else {
					d.Target = rest
				}
			case strings.HasPrefix(trimmed, "// prefix: "):
				d.Prefix = strings.TrimSpace(strings.TrimPrefix(trimmed, "// prefix: "))
			case strings.HasPrefix(trimmed, "//go:build "):
				parts := strings.Split(strings.TrimPrefix(trimmed, "//go:build "), "&&")
				if len(parts) == 2 {
					d.GOOS = strings.TrimSpace(parts[0])
					d.GOARCH = strings.TrimSpace(parts[1])
				}
			case strings.HasPrefix(trimmed, "package "):
				d.Package = strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
			case trimmed == "/*":
				state = preamble
			case trimmed == "type (":
				state = typeBlock
			case trimmed == "const (":
				state = constBlock
			}
		case preamble:
			switch {
			case trimmed == "*/":
				state = top
			case strings.HasPrefix(trimmed, "#cgo "), trimmed == "":
			case strings.HasPrefix(trimmed, "#include <"):
				d.Headers = append(d.Headers, strings.TrimSuffix(strings.TrimPrefix(trimmed, "#include <"), ">"))
			default:
				proto, name, ok := strings.Cut(trimmed, "; // ")
				if !ok {
					return nil, fmt.Errorf("line %d: malformed declaration %q", lineNo, trimmed)
				}
				link := declaredName(proto)
				if link == "" {
					return nil, fmt.Errorf("line %d: no function name in %q", lineNo, proto)
				}
				d.Functions = append(d.Functions, FuncDecl{Name: strings.TrimSpace(name), LinkName: link, Prototype: proto})
			}
		case typeBlock, constBlock:
			if trimmed == ")" {
				state = top
				continue
			}
			name, value, ok := strings.Cut(trimmed, " = ")
			if !ok {
				return nil, fmt.Errorf("line %d: malformed entry %q", lineNo, trimmed)
			}
			switch {
			case state == constBlock:
				d.Consts = append(d.Consts, ConstDecl{Name: name, Value: value})
			case strings.HasPrefix(value, "C."):
				d.Types = append(d.Types, TypeDecl{Name: name, CName: strings.TrimPrefix(value, "C.")})
			default:
				d.Ints = append(d.Ints, IntTypedef{Name: name, GoType: value})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("not a generated declaration file")
	}
	if state != top {
		return nil, fmt.Errorf("unexpected end of declaration file")
	}
	return d, nil
}

// declaredName returns the identifier immediately before the parameter
// list of a function prototype.
func declaredName(proto string) string {
	i := strings.IndexByte(proto, '(')
	if i <= 0 {
		return ""
	}
	head := strings.TrimRight(proto[:i], " \t")
	j := len(head)
	for j > 0 && isIdentByte(head[j-1]) {
		j--
	}
	return head[j:]
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// Symbols returns the link names of every declared function.
func (d *DeclFile) Symbols() []string {
	out := make([]string, 0, len(d.Functions))
	for _, f := range d.Functions {
		out = append(out, f.LinkName)
	}
	sort.Strings(out)
	return out
}
