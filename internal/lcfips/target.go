package lcfips

import (
	"fmt"
	"runtime"
	"strings"
)

// Arch is a normalized CPU architecture name.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchX86     Arch = "x86"
	ArchAArch64 Arch = "aarch64"
	ArchARM     Arch = "arm"
	ArchPPC64LE Arch = "powerpc64le"
	ArchRISCV64 Arch = "riscv64"
	ArchS390X   Arch = "s390x"
)

// OS is a normalized operating system name.
type OS string

const (
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
	OSWindows OS = "windows"
	OSAndroid OS = "android"
	OSFreeBSD OS = "freebsd"
)

// Env is the environment/ABI component of a triple. EnvNone is used where
// the platform has a single ABI (darwin, freebsd).
type Env string

const (
	EnvNone       Env = ""
	EnvGNU        Env = "gnu"
	EnvMusl       Env = "musl"
	EnvMSVC       Env = "msvc"
	EnvGNUEABIHF  Env = "gnueabihf"
	EnvMuslEABIHF Env = "musleabihf"
	EnvAndroid    Env = "android"
)

// DataModel describes integer and pointer widths of the target C ABI.
type DataModel string

const (
	ILP32 DataModel = "ilp32"
	LP64  DataModel = "lp64"
	LLP64 DataModel = "llp64"
)

// TargetSpec is the normalized target descriptor. It is derived once per
// invocation and never mutated.
type TargetSpec struct {
	Triple       string
	Arch         Arch
	Vendor       string
	OS           OS
	Env          Env
	PointerWidth int

	// Host is the normalized triple of the machine running the build.
	Host string
}

// Cross reports whether the target differs from the build host.
func (t TargetSpec) Cross() bool {
	return t.Host != "" && t.Host != t.Triple
}

// DataModel returns the C data model used by the target ABI.
func (t TargetSpec) DataModel() DataModel {
	switch {
	case t.PointerWidth == 32:
		return ILP32
	case t.OS == OSWindows:
		return LLP64
	default:
		return LP64
	}
}

// Key is the (os, arch) pair used for pregenerated binding lookup.
func (t TargetSpec) Key() string {
	return string(t.OS) + "_" + string(t.Arch)
}

// GOOS returns the Go operating system name for the target.
func (t TargetSpec) GOOS() string {
	return string(t.OS)
}

// GOARCH returns the Go architecture name for the target.
func (t TargetSpec) GOARCH() string {
	return goArchNames[t.Arch]
}

func (t TargetSpec) String() string {
	return t.Triple
}

var archAliases = map[string]Arch{
	"x86_64":      ArchX86_64,
	"amd64":       ArchX86_64,
	"i386":        ArchX86,
	"i586":        ArchX86,
	"i686":        ArchX86,
	"x86":         ArchX86,
	"386":         ArchX86,
	"aarch64":     ArchAArch64,
	"arm64":       ArchAArch64,
	"arm":         ArchARM,
	"armv6":       ArchARM,
	"armv7":       ArchARM,
	"armv7a":      ArchARM,
	"powerpc64le": ArchPPC64LE,
	"ppc64le":     ArchPPC64LE,
	"riscv64":     ArchRISCV64,
	"riscv64gc":   ArchRISCV64,
	"s390x":       ArchS390X,
}

var osAliases = map[string]OS{
	"linux":   OSLinux,
	"darwin":  OSDarwin,
	"macos":   OSDarwin,
	"macosx":  OSDarwin,
	"windows": OSWindows,
	"android": OSAndroid,
	"freebsd": OSFreeBSD,
}

var envNames = map[string]Env{
	"gnu":         EnvGNU,
	"musl":        EnvMusl,
	"msvc":        EnvMSVC,
	"gnueabihf":   EnvGNUEABIHF,
	"musleabihf":  EnvMuslEABIHF,
	"android":     EnvAndroid,
	"androideabi": EnvAndroid,
}

var goArchNames = map[Arch]string{
	ArchX86_64:  "amd64",
	ArchX86:     "386",
	ArchAArch64: "arm64",
	ArchARM:     "arm",
	ArchPPC64LE: "ppc64le",
	ArchRISCV64: "riscv64",
	ArchS390X:   "s390x",
}

// tripleArchNames is the arch spelling used when rendering a triple.
var tripleArchNames = map[Arch]string{
	ArchX86_64:  "x86_64",
	ArchX86:     "i686",
	ArchAArch64: "aarch64",
	ArchARM:     "armv7",
	ArchPPC64LE: "powerpc64le",
	ArchRISCV64: "riscv64gc",
	ArchS390X:   "s390x",
}

// platformArches lists which architectures each OS is recognised for.
var platformArches = map[OS][]Arch{
	OSLinux:   {ArchX86_64, ArchX86, ArchAArch64, ArchARM, ArchPPC64LE, ArchRISCV64, ArchS390X},
	OSDarwin:  {ArchX86_64, ArchAArch64},
	OSWindows: {ArchX86_64, ArchX86, ArchAArch64},
	OSAndroid: {ArchX86_64, ArchX86, ArchAArch64, ArchARM},
	OSFreeBSD: {ArchX86_64, ArchAArch64},
}

// HostTriple returns the Go-runtime description of the current machine.
func HostTriple() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// ResolveTarget parses the raw target and host descriptors into a
// TargetSpec. An empty target means a native build; an empty host means the
// machine running this process.
func ResolveTarget(target, host string) (TargetSpec, error) {
	if strings.TrimSpace(host) == "" {
		host = HostTriple()
	}
	h, err := parseTriple(host)
	if err != nil {
		return TargetSpec{}, err
	}
	if strings.TrimSpace(target) == "" {
		h.Host = h.Triple
		return h, nil
	}
	t, err := parseTriple(target)
	if err != nil {
		return TargetSpec{}, err
	}
	t.Host = h.Triple
	return t, nil
}

func parseTriple(raw string) (TargetSpec, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return TargetSpec{}, unparsableTarget(raw, "empty descriptor")
	}

	// Go style pairs: linux/amd64 or linux-amd64
	if goos, goarch, ok := strings.Cut(s, "/"); ok {
		return fromGoPair(raw, goos, goarch)
	}
	parts := strings.Split(s, "-")
	if len(parts) == 2 {
		if _, isOS := osAliases[parts[0]]; isOS {
			return fromGoPair(raw, parts[0], parts[1])
		}
	}
	if len(parts) < 2 || len(parts) > 4 {
		return TargetSpec{}, unparsableTarget(raw, "expected arch-vendor-os[-env]")
	}

	var vendor, osName, envName string
	switch len(parts) {
	case 2:
		osName = parts[1]
	case 3:
		if _, isOS := osAliases[parts[1]]; isOS {
			osName, envName = parts[1], parts[2]
		} else {
			vendor, osName = parts[1], parts[2]
		}
	case 4:
		vendor, osName, envName = parts[1], parts[2], parts[3]
	}

	// Apple triples carry a version suffix now and then (darwin20.1).
	if strings.HasPrefix(osName, "darwin") || strings.HasPrefix(osName, "macos") {
		osName = "darwin"
	}
	goos, ok := osAliases[osName]
	if !ok {
		return TargetSpec{}, unparsableTarget(raw, fmt.Sprintf("unknown operating system %q", osName))
	}

	// From here on the descriptor is well formed; anything not in the
	// tables is a platform this system does not build for.
	arch, ok := archAliases[parts[0]]
	if !ok {
		return TargetSpec{}, unrecognisedPlatform(raw, fmt.Sprintf("architecture %q is not supported", parts[0]))
	}
	env := EnvNone
	if envName != "" {
		env, ok = envNames[envName]
		if !ok {
			return TargetSpec{}, unrecognisedPlatform(raw, fmt.Sprintf("environment %q is not supported", envName))
		}
	}
	// aarch64-linux-android names the OS through the environment.
	if goos == OSLinux && env == EnvAndroid {
		goos = OSAndroid
	}
	return finishSpec(raw, arch, vendor, goos, env)
}

func fromGoPair(raw, goos, goarch string) (TargetSpec, error) {
	o, ok := osAliases[goos]
	if !ok {
		return TargetSpec{}, unparsableTarget(raw, fmt.Sprintf("unknown operating system %q", goos))
	}
	a, ok := archAliases[goarch]
	if !ok {
		return TargetSpec{}, unrecognisedPlatform(raw, fmt.Sprintf("architecture %q is not supported", goarch))
	}
	env := EnvNone
	switch o {
	case OSLinux:
		env = EnvGNU
		if a == ArchARM {
			env = EnvGNUEABIHF
		}
	case OSWindows:
		env = EnvMSVC
	case OSAndroid:
		env = EnvAndroid
	}
	return finishSpec(raw, a, "", o, env)
}

func finishSpec(raw string, arch Arch, vendor string, goos OS, env Env) (TargetSpec, error) {
	if err := validateCombination(raw, arch, goos, env); err != nil {
		return TargetSpec{}, err
	}
	if vendor == "" || vendor == "none" {
		vendor = defaultVendor(goos)
	}
	if goos == OSDarwin {
		vendor = "apple"
	}

	spec := TargetSpec{
		Arch:         arch,
		Vendor:       vendor,
		OS:           goos,
		Env:          env,
		PointerWidth: 64,
	}
	if arch == ArchX86 || arch == ArchARM {
		spec.PointerWidth = 32
	}
	spec.Triple = renderTriple(spec)
	return spec, nil
}

func defaultVendor(goos OS) string {
	switch goos {
	case OSDarwin:
		return "apple"
	case OSWindows:
		return "pc"
	default:
		return "unknown"
	}
}

func renderTriple(t TargetSpec) string {
	arch := tripleArchNames[t.Arch]
	switch t.OS {
	case OSDarwin:
		return arch + "-apple-darwin"
	case OSAndroid:
		if t.Arch == ArchARM {
			return "armv7-linux-androideabi"
		}
		return arch + "-linux-android"
	case OSFreeBSD:
		return arch + "-" + t.Vendor + "-freebsd"
	}
	return arch + "-" + t.Vendor + "-" + string(t.OS) + "-" + string(t.Env)
}

func validateCombination(raw string, arch Arch, goos OS, env Env) error {
	known := false
	for _, a := range platformArches[goos] {
		if a == arch {
			known = true
			break
		}
	}
	if !known {
		return unrecognisedPlatform(raw, fmt.Sprintf("architecture %s is not supported on %s", arch, goos))
	}

	var allowed []Env
	switch goos {
	case OSLinux:
		if arch == ArchARM {
			allowed = []Env{EnvGNUEABIHF, EnvMuslEABIHF}
		} else {
			allowed = []Env{EnvGNU, EnvMusl}
		}
	case OSWindows:
		allowed = []Env{EnvMSVC, EnvGNU}
	case OSAndroid:
		allowed = []Env{EnvAndroid, EnvNone}
	case OSDarwin, OSFreeBSD:
		allowed = []Env{EnvNone}
	}
	for _, e := range allowed {
		if e == env {
			return nil
		}
	}
	shown := string(env)
	if shown == "" {
		shown = "none"
	}
	return unrecognisedPlatform(raw, fmt.Sprintf("environment %s is not supported on %s/%s", shown, goos, arch))
}
