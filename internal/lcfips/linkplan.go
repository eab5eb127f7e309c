package lcfips

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// LinkPlan is what the enclosing build needs to link against the native
// library. It is never mutated after it is built.
type LinkPlan struct {
	SearchPaths []string
	// Libraries are in link order: the TLS library, when enabled, precedes
	// the crypto library it depends on.
	Libraries   []string
	ExtraFlags  []string
	IncludeDirs []string
}

// PlanLink assembles the link plan for the artifact.
func PlanLink(a NativeArtifact, cfg BuildConfig, t TargetSpec) LinkPlan {
	plan := LinkPlan{SearchPaths: []string{a.OutputDir}}
	if cfg.SecureTransport {
		plan.Libraries = append(plan.Libraries, cfg.Prefix+"_"+ModuleSSL)
	}
	plan.Libraries = append(plan.Libraries, cfg.Prefix+"_"+ModuleCrypto)

	if cfg.Sanitizer {
		plan.ExtraFlags = append(plan.ExtraFlags, "-fsanitize=address")
	}
	switch t.OS {
	case OSLinux, OSFreeBSD:
		plan.ExtraFlags = append(plan.ExtraFlags, "-lpthread")
	}

	for _, dir := range []string{a.IncludeDir, a.GeneratedIncludeDir} {
		if dir != "" {
			plan.IncludeDirs = append(plan.IncludeDirs, dir)
		}
	}
	return plan
}

// Emit writes the plan as directive lines for the enclosing build.
func (p LinkPlan) Emit(w io.Writer, bindings BindingSet) error {
	var b bytes.Buffer
	for _, dir := range p.SearchPaths {
		fmt.Fprintf(&b, "lcfips:link-search=native=%s\n", dir)
	}
	for _, lib := range p.Libraries {
		fmt.Fprintf(&b, "lcfips:link-lib=static=%s\n", lib)
	}
	for _, flag := range p.ExtraFlags {
		fmt.Fprintf(&b, "lcfips:link-arg=%s\n", flag)
	}
	for _, dir := range p.IncludeDirs {
		fmt.Fprintf(&b, "lcfips:include=%s\n", dir)
	}
	if bindings != nil {
		fmt.Fprintf(&b, "lcfips:bindings=%s\n", bindings.File())
		fmt.Fprintf(&b, "lcfips:bindings-origin=%s\n", bindings.Origin())
	}
	_, err := w.Write(b.Bytes())
	return err
}

// LDFlags renders the plan as linker flags, in order.
func (p LinkPlan) LDFlags() []string {
	var flags []string
	for _, dir := range p.SearchPaths {
		flags = append(flags, "-L"+dir)
	}
	for _, lib := range p.Libraries {
		flags = append(flags, "-l"+lib)
	}
	return append(flags, p.ExtraFlags...)
}

// RenderCgo writes a Go file carrying the plan as cgo directives, for the
// package that embeds the declaration file.
func (p LinkPlan) RenderCgo(w io.Writer, pkg string, t TargetSpec) error {
	if pkg == "" {
		pkg = DefaultBindingsPackage
	}
	var b bytes.Buffer
	b.WriteString("// Code generated by lcfips. DO NOT EDIT.\n\n")
	fmt.Fprintf(&b, "//go:build %s && %s\n\n", t.GOOS(), t.GOARCH())
	fmt.Fprintf(&b, "package %s\n\n", pkg)
	b.WriteString("/*\n")
	if len(p.IncludeDirs) > 0 {
		var inc []string
		for _, dir := range p.IncludeDirs {
			inc = append(inc, "-I"+dir)
		}
		fmt.Fprintf(&b, "#cgo CFLAGS: %s\n", strings.Join(inc, " "))
	}
	fmt.Fprintf(&b, "#cgo LDFLAGS: %s\n", strings.Join(p.LDFlags(), " "))
	b.WriteString("*/\nimport \"C\"\n")
	_, err := w.Write(b.Bytes())
	return err
}
