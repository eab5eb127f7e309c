package lcfips

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ManifestFile is written into the output dir after a successful build.
const ManifestFile = "lcfips-manifest.json"

// buildNamespace scopes the name-based build ids.
var buildNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://lcfips.invalid/build"))

// Manifest records what a build produced, for audits.
type Manifest struct {
	BuildID        string            `json:"build_id"`
	RunID          string            `json:"run_id,omitempty"`
	ToolVersion    string            `json:"tool_version"`
	LibraryVersion string            `json:"library_version"`
	Target         string            `json:"target"`
	Host           string            `json:"host"`
	Config         manifestConfig    `json:"config"`
	Definitions    []string          `json:"definitions"`
	Archives       []manifestArchive `json:"archives"`
	Bindings       manifestBindings  `json:"bindings"`
	Link           manifestLink      `json:"link"`
}

type manifestConfig struct {
	FIPS            bool   `json:"fips"`
	Sanitizer       bool   `json:"sanitizer"`
	SecureTransport bool   `json:"secure_transport"`
	ForceGeneration bool   `json:"force_generation"`
	Prefix          string `json:"prefix"`
}

type manifestArchive struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	BLAKE3 string `json:"blake3"`
}

type manifestBindings struct {
	Origin      Origin `json:"origin"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	BLAKE3      string `json:"blake3"`
}

type manifestLink struct {
	SearchPaths []string `json:"search_paths"`
	Libraries   []string `json:"libraries"`
	ExtraFlags  []string `json:"extra_flags"`
}

// NewManifest digests the artifacts. The build id is derived from the
// inputs and digests, so identical builds get identical ids.
func NewManifest(t TargetSpec, cfg BuildConfig, art NativeArtifact, bindings BindingSet, plan LinkPlan) (Manifest, error) {
	m := Manifest{
		ToolVersion:    version,
		LibraryVersion: upstreamVersion,
		Target:         t.Triple,
		Host:           t.Host,
		Config: manifestConfig{
			FIPS:            cfg.FIPS,
			Sanitizer:       cfg.Sanitizer,
			SecureTransport: cfg.SecureTransport,
			ForceGeneration: cfg.ForceGeneration,
			Prefix:          cfg.Prefix,
		},
		Definitions: art.Flags,
		Link: manifestLink{
			SearchPaths: plan.SearchPaths,
			Libraries:   plan.Libraries,
			ExtraFlags:  plan.ExtraFlags,
		},
	}
	digests := []string{t.Triple, strings.Join(art.Flags, " ")}
	for _, a := range art.Archives {
		sum, err := hashFile(a.Path)
		if err != nil {
			return Manifest{}, filesystemError(StageManifest, t.Triple, "hashing "+a.Path, err)
		}
		m.Archives = append(m.Archives, manifestArchive{Name: a.Name, Path: a.Path, BLAKE3: sum})
		digests = append(digests, sum)
	}
	if bindings != nil {
		sum, err := hashFile(bindings.File())
		if err != nil {
			return Manifest{}, filesystemError(StageManifest, t.Triple, "hashing "+bindings.File(), err)
		}
		m.Bindings = manifestBindings{Origin: bindings.Origin(), Path: bindings.File(), BLAKE3: sum}
		if g, ok := bindings.(GeneratedBindings); ok {
			m.Bindings.Fingerprint = g.Fingerprint
		}
		digests = append(digests, sum)
	}
	m.BuildID = uuid.NewSHA1(buildNamespace, []byte(strings.Join(digests, "\n"))).String()
	return m, nil
}

// Write stores the manifest as <dir>/lcfips-manifest.json.
func (m Manifest) Write(dir string) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", filesystemError(StageManifest, m.Target, "writing "+path, err)
	}
	return path, nil
}
