package lcfips

import (
	"strconv"
	"strings"
)

// Stage names the pipeline step an error was raised in.
type Stage string

const (
	StageConfig   Stage = "config"
	StageTarget   Stage = "target"
	StageSelect   Stage = "select-bindings"
	StagePrereq   Stage = "prerequisites"
	StageSource   Stage = "source"
	StageNative   Stage = "native-build"
	StageBindings Stage = "bindings"
	StageLink     Stage = "link-plan"
	StageManifest Stage = "manifest"
)

// Kind categorizes the failure.
type Kind string

const (
	KindUnparsableTarget    Kind = "unparsable_target"
	KindMissingPrerequisite Kind = "missing_prerequisite"
	KindNativeBuildFailure  Kind = "native_build_failure"
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindBindingGeneration   Kind = "binding_generation_failure"
	KindSymbolPrefix        Kind = "symbol_prefix_mismatch"
	KindFilesystem          Kind = "filesystem_error"
)

// Error is the structured error returned by every pipeline stage. It carries
// enough context (stage, target, tool, captured diagnostics) to file an
// actionable report.
type Error struct {
	Cause       error
	Stage       Stage
	Kind        Kind
	Target      string
	Tool        string
	Detail      string
	Diagnostics string
	ExitCode    int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Stage))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Target != "" {
		b.WriteString(" for ")
		b.WriteString(e.Target)
	}
	if e.Tool != "" {
		b.WriteString(": tool ")
		b.WriteString(strconv.Quote(e.Tool))
	}
	if e.Kind == KindNativeBuildFailure {
		b.WriteString(": exit code ")
		b.WriteString(strconv.Itoa(e.ExitCode))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same Kind. A target with an empty Stage
// matches any stage, which is how the Err* sentinels below are meant to be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Stage == "" || t.Stage == e.Stage
}

// Sentinels for errors.Is.
var (
	ErrUnparsableTarget    = &Error{Kind: KindUnparsableTarget}
	ErrMissingPrerequisite = &Error{Kind: KindMissingPrerequisite}
	ErrNativeBuildFailure  = &Error{Kind: KindNativeBuildFailure}
	ErrUnsupportedPlatform = &Error{Kind: KindUnsupportedPlatform}
	ErrBindingGeneration   = &Error{Kind: KindBindingGeneration}
	ErrSymbolPrefix        = &Error{Kind: KindSymbolPrefix}
	ErrFilesystem          = &Error{Kind: KindFilesystem}
)

func unparsableTarget(raw, detail string) *Error {
	return &Error{Stage: StageTarget, Kind: KindUnparsableTarget, Target: raw, Detail: detail}
}

func missingPrerequisite(target, tool, detail string) *Error {
	return &Error{Stage: StagePrereq, Kind: KindMissingPrerequisite, Target: target, Tool: tool, Detail: detail}
}

func nativeBuildFailure(target string, exitCode int, diagnostics string, cause error) *Error {
	return &Error{
		Stage:       StageNative,
		Kind:        KindNativeBuildFailure,
		Target:      target,
		ExitCode:    exitCode,
		Diagnostics: diagnostics,
		Cause:       cause,
	}
}

func unsupportedPlatform(target, detail string) *Error {
	return &Error{Stage: StageSelect, Kind: KindUnsupportedPlatform, Target: target, Detail: detail}
}

// unrecognisedPlatform is a well formed descriptor naming an architecture
// or ABI combination outside the target tables.
func unrecognisedPlatform(raw, detail string) *Error {
	return &Error{Stage: StageTarget, Kind: KindUnsupportedPlatform, Target: raw, Detail: detail}
}

func bindingGenerationFailure(target, detail string, cause error) *Error {
	return &Error{Stage: StageBindings, Kind: KindBindingGeneration, Target: target, Detail: detail, Cause: cause}
}

func symbolPrefixMismatch(target, detail string) *Error {
	return &Error{Stage: StageBindings, Kind: KindSymbolPrefix, Target: target, Detail: detail}
}

func filesystemError(stage Stage, target, detail string, cause error) *Error {
	return &Error{Stage: stage, Kind: KindFilesystem, Target: target, Detail: detail, Cause: cause}
}
