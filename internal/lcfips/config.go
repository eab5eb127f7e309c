package lcfips

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when LCFIPS_CONFIG does not name another file.
const DefaultConfigFile = "/etc/lcfips.conf"

// Config holds the raw KEY=VALUE settings before they are resolved.
type Config struct {
	Values map[string]string
}

// loadConfig reads a KEY=VALUE file. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		cfg.Values[key] = val
	}
	return cfg, scanner.Err()
}

// mergeYAMLOverlay applies a YAML mapping on top of cfg. Keys may be given
// in lower case without the LCFIPS_ prefix ("feature_ssl: true").
func mergeYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for k, v := range doc {
		key := strings.ToUpper(strings.TrimSpace(k))
		if !strings.HasPrefix(key, "LCFIPS_") {
			key = "LCFIPS_" + key
		}
		switch val := v.(type) {
		case nil:
			continue
		case bool:
			if val {
				cfg.Values[key] = "1"
			} else {
				cfg.Values[key] = "0"
			}
		case string:
			cfg.Values[key] = val
		default:
			cfg.Values[key] = fmt.Sprint(val)
		}
	}
	return nil
}

// mergeEnvOverrides copies LCFIPS_* variables, and the conventional
// TARGET, HOST and OUT_DIR variables of an enclosing build, into cfg.
func mergeEnvOverrides(cfg *Config, env map[string]string) {
	for k, v := range env {
		if strings.HasPrefix(k, "LCFIPS_") {
			cfg.Values[k] = v
		}
	}
	for from, to := range map[string]string{
		"TARGET":  "LCFIPS_TARGET",
		"HOST":    "LCFIPS_HOST",
		"OUT_DIR": "LCFIPS_OUT_DIR",
	} {
		if v, ok := env[from]; ok && v != "" {
			if _, exists := cfg.Values[to]; !exists {
				cfg.Values[to] = v
			}
		}
	}
}

// BuildConfig is constructed from feature flags at invocation start and is
// read-only afterwards.
type BuildConfig struct {
	// FIPS is always true for this library variant.
	FIPS bool
	// Sanitizer enables address-sanitizer instrumentation.
	Sanitizer bool
	// SecureTransport compiles and links the TLS module (libssl).
	SecureTransport bool
	// Bindgen enables on-platform binding generation as a fallback.
	Bindgen bool
	// ForceGeneration generates bindings even for supported targets.
	ForceGeneration bool
	// Prefix is the private symbol prefix the library is compiled under.
	Prefix string
}

// RemoteCacheConfig locates an optional S3 compatible binding cache.
type RemoteCacheConfig struct {
	Bucket    string
	Endpoint  string
	AccountID string
	AccessKey string
	SecretKey string
	Region    string
}

// Enabled reports whether a bucket is configured.
func (r RemoteCacheConfig) Enabled() bool {
	return r.Bucket != ""
}

// Settings is the immutable, fully resolved configuration threaded through
// every stage.
type Settings struct {
	Target string
	Host   string
	Build  BuildConfig

	SourcePath     string
	SourceChecksum string
	OutDir         string
	// BindingsDir holds the pregenerated sets; empty means <source>/bindings.
	BindingsDir string
	CacheDir    string
	Remote      RemoteCacheConfig
	Probe       ProbeOptions

	IdlePriority bool
	Verbose      bool
	Debug        bool

	// Env is the environment snapshot the settings were resolved from.
	// Child processes and tool probes use it; stages never call os.Getenv.
	Env map[string]string
}

// Environ renders Env as a sorted KEY=VALUE list for child processes.
func (s Settings) Environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// EnvMap turns an os.Environ style list into a map.
func EnvMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// LoadSettings reads the config file (LCFIPS_CONFIG or DefaultConfigFile),
// an optional YAML overlay, environment overrides and finally the
// command-line overrides, each layer winning over the previous one.
func LoadSettings(env map[string]string, yamlOverlay string, overrides map[string]string) (Settings, error) {
	path := env["LCFIPS_CONFIG"]
	if path == "" {
		path = DefaultConfigFile
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return Settings{}, &Error{Stage: StageConfig, Kind: KindFilesystem, Detail: "reading " + path, Cause: err}
	}
	if yamlOverlay != "" {
		if err := mergeYAMLOverlay(cfg, yamlOverlay); err != nil {
			return Settings{}, &Error{Stage: StageConfig, Kind: KindFilesystem, Detail: "reading " + yamlOverlay, Cause: err}
		}
	}
	mergeEnvOverrides(cfg, env)
	for k, v := range overrides {
		cfg.Values[k] = v
	}
	return resolveSettings(cfg, env)
}

func resolveSettings(cfg *Config, env map[string]string) (Settings, error) {
	v := cfg.Values
	flag := func(key string) (bool, error) {
		raw := strings.TrimSpace(v[key])
		if raw == "" {
			return false, nil
		}
		b, err := parseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid value %q for %s: %w", raw, key, err)
		}
		return b, nil
	}

	s := Settings{
		Target:         v["LCFIPS_TARGET"],
		Host:           v["LCFIPS_HOST"],
		SourcePath:     v["LCFIPS_SOURCE"],
		SourceChecksum: strings.ToLower(v["LCFIPS_SOURCE_B3SUM"]),
		OutDir:         v["LCFIPS_OUT_DIR"],
		BindingsDir:    v["LCFIPS_BINDINGS_DIR"],
		CacheDir:       v["LCFIPS_CACHE_DIR"],
		Remote: RemoteCacheConfig{
			Bucket:    v["LCFIPS_CACHE_BUCKET"],
			Endpoint:  v["LCFIPS_CACHE_ENDPOINT"],
			AccountID: v["LCFIPS_CACHE_ACCOUNT_ID"],
			AccessKey: v["LCFIPS_CACHE_ACCESS_KEY_ID"],
			SecretKey: v["LCFIPS_CACHE_SECRET_ACCESS_KEY"],
			Region:    v["LCFIPS_CACHE_REGION"],
		},
		Build: BuildConfig{
			FIPS:   true,
			Prefix: v["LCFIPS_SYMBOL_PREFIX"],
		},
		Env: env,
	}

	var err error
	for key, dst := range map[string]*bool{
		"LCFIPS_FEATURE_ASAN":     &s.Build.Sanitizer,
		"LCFIPS_FEATURE_SSL":      &s.Build.SecureTransport,
		"LCFIPS_FEATURE_BINDGEN":  &s.Build.Bindgen,
		"LCFIPS_BINDGEN_FORCE":    &s.Build.ForceGeneration,
		"LCFIPS_ALLOW_HOST_TOOLS": &s.Probe.AllowHostTools,
		"LCFIPS_IDLE_PRIORITY":    &s.IdlePriority,
		"LCFIPS_VERBOSE":          &s.Verbose,
		"LCFIPS_DEBUG":            &s.Debug,
	} {
		if *dst, err = flag(key); err != nil {
			return Settings{}, err
		}
	}

	if s.Build.Prefix == "" {
		s.Build.Prefix = DefaultPrefix()
	}
	if s.Remote.Region == "" {
		s.Remote.Region = "auto"
	}
	if s.OutDir == "" {
		s.OutDir = "lcfips-out"
	}
	if s.SourcePath == "" {
		s.SourcePath = "aws-lc"
	}
	return s, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(raw)
}
