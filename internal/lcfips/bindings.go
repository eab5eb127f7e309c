package lcfips

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Origin says where a declaration set came from.
type Origin string

const (
	OriginPregenerated Origin = "pregenerated"
	OriginGenerated    Origin = "generated"
)

// BindingSet is the one declaration set of an invocation. It is either
// PregeneratedBindings or GeneratedBindings; no other implementations exist.
type BindingSet interface {
	Origin() Origin
	File() string
	// requiresSymbolCheck reports whether the set must be checked against
	// the built archives before it is handed on.
	requiresSymbolCheck() bool
}

// PregeneratedBindings is a declaration set validated offline and shipped
// with the library source.
type PregeneratedBindings struct {
	Path string
}

func (PregeneratedBindings) Origin() Origin { return OriginPregenerated }
func (p PregeneratedBindings) File() string { return p.Path }
func (PregeneratedBindings) requiresSymbolCheck() bool { return false }

// GeneratedBindings is a declaration set synthesized during this build.
type GeneratedBindings struct {
	Path        string
	Fingerprint string
	// Cached is set when the file came from the binding cache.
	Cached bool
}

func (GeneratedBindings) Origin() Origin { return OriginGenerated }
func (g GeneratedBindings) File() string { return g.Path }
func (GeneratedBindings) requiresSymbolCheck() bool { return true }

// SupportTable lists the (os, arch) pairs that ship pregenerated sets,
// keyed by TargetSpec.Key.
type SupportTable map[string]bool

// DefaultSupportTable returns the officially supported pairs.
func DefaultSupportTable() SupportTable {
	return SupportTable{
		"linux_x86_64":   true,
		"linux_aarch64":  true,
		"darwin_x86_64":  true,
		"darwin_aarch64": true,
	}
}

// Supports reports whether t has pregenerated sets.
func (s SupportTable) Supports(t TargetSpec) bool {
	return s[t.Key()]
}

// Keys returns the supported pairs, sorted.
func (s SupportTable) Keys() []string {
	keys := make([]string, 0, len(s))
	for k, ok := range s {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// BindingPlan is the selection decision, made before anything is built.
type BindingPlan struct {
	Origin Origin
	Target TargetSpec
	// Name is the declaration set's base name, e.g. linux_x86_64_crypto_ssl.
	Name string
}

// BindingSetName is the file base name of the declaration set for t.
func BindingSetName(t TargetSpec, cfg BuildConfig) string {
	name := t.Key() + "_crypto"
	if cfg.SecureTransport {
		name += "_ssl"
	}
	return name
}

// SelectBindings decides between the pregenerated set and generation. It
// has no side effects, so an unsupported platform fails before any
// subprocess runs.
func SelectBindings(t TargetSpec, cfg BuildConfig, table SupportTable) (BindingPlan, error) {
	plan := BindingPlan{Target: t, Name: BindingSetName(t, cfg)}
	supported := table.Supports(t)
	if supported && !cfg.ForceGeneration {
		plan.Origin = OriginPregenerated
		return plan, nil
	}
	if !cfg.Bindgen {
		if supported {
			return BindingPlan{}, unsupportedPlatform(t.Triple,
				"generation was forced but binding generation is not enabled (LCFIPS_FEATURE_BINDGEN)")
		}
		return BindingPlan{}, unsupportedPlatform(t.Triple,
			fmt.Sprintf("no pregenerated bindings for %s/%s and binding generation is not enabled (LCFIPS_FEATURE_BINDGEN)", t.OS, t.Arch))
	}
	plan.Origin = OriginGenerated
	return plan, nil
}

// Materialize locates the pregenerated set in bindingsDir. A compressed
// set (.go.zst) is decompressed into <out>/bindings.
func (p BindingPlan) Materialize(bindingsDir, outDir string) (BindingSet, error) {
	if p.Origin != OriginPregenerated {
		return nil, fmt.Errorf("bindings for %s must be generated, not materialized", p.Target.Triple)
	}
	plain := filepath.Join(bindingsDir, p.Name+".go")
	if _, err := os.Stat(plain); err == nil {
		return PregeneratedBindings{Path: plain}, nil
	}

	compressed := plain + ".zst"
	data, err := os.ReadFile(compressed)
	if err != nil {
		return nil, filesystemError(StageBindings, p.Target.Triple,
			fmt.Sprintf("pregenerated bindings %s.go not found in %s", p.Name, bindingsDir), err)
	}
	src, err := decompress(data)
	if err != nil {
		return nil, filesystemError(StageBindings, p.Target.Triple, "decompressing "+compressed, err)
	}

	dst := filepath.Join(outDir, "bindings", p.Name+".go")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, filesystemError(StageBindings, p.Target.Triple, "creating bindings dir", err)
	}
	if err := os.WriteFile(dst, src, 0o644); err != nil {
		return nil, filesystemError(StageBindings, p.Target.Triple, "writing "+dst, err)
	}
	return PregeneratedBindings{Path: dst}, nil
}

// GeneratedPath is where a generated set for the plan is written.
func (p BindingPlan) GeneratedPath(outDir string) string {
	return filepath.Join(outDir, "bindings", p.Name+".go")
}
