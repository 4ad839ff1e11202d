package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeout applies to read_timeout and write_timeout when they are omitted.
	DefaultTimeout = 30 * time.Second
	// DefaultShutdownTimeout applies when shutdown_timeout is omitted.
	DefaultShutdownTimeout = 5 * time.Second
)

// ConfigError describes a problem with a configuration file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	if e.FilePath != "" {
		sb.WriteString(e.FilePath)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadConfig reads, parses, defaults and validates the configuration file at
// filePath. The format is chosen by extension (.json, .toml, .yaml, .yml);
// any other extension is tried as JSON and then as TOML.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, &ConfigError{Message: "configuration file path cannot be empty"}
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "failed to read configuration file", Err: err}
	}

	cfg, err := parse(data, filePath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Prepare(filepath.Dir(filePath)); err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

func parse(data []byte, filePath string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, &ConfigError{FilePath: filePath, Message: "failed to parse JSON config", Err: err}
		}
	case ".toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, &ConfigError{FilePath: filePath, Message: "failed to parse TOML config", Err: err}
		}
	case ".yaml", ".yml":
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, &ConfigError{FilePath: filePath, Message: "failed to parse YAML config", Err: err}
		}
	default:
		jsonErr := decodeJSON(data, &cfg)
		if jsonErr == nil {
			break
		}
		cfg = Config{}
		tomlErr := decodeTOML(data, &cfg)
		if tomlErr == nil {
			break
		}
		return nil, &ConfigError{
			FilePath: filePath,
			Message:  "failed to auto-detect and parse config",
			Err:      fmt.Errorf("JSON error: %v; TOML error: %v", jsonErr, tomlErr),
		}
	}
	return &cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("toml: empty input")
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("yaml: empty input")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Prepare applies defaults to the whole configuration and validates it.
// Relative root directories are resolved against baseDir.
func (c *Config) Prepare(baseDir string) error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers must contain at least one entry")
	}

	c.ShutdownTimeoutDuration = DefaultShutdownTimeout
	if c.ShutdownTimeout != nil {
		d, err := parseDuration("shutdown_timeout", *c.ShutdownTimeout)
		if err != nil {
			return err
		}
		c.ShutdownTimeoutDuration = d
	}

	seen := make(map[string]int, len(c.Servers))
	for i := range c.Servers {
		sc := &c.Servers[i]
		if sc.Port == 0 {
			return fmt.Errorf("servers[%d]: port must be between 1 and 65535, got 0", i)
		}
		if err := sc.Prepare(baseDir); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		key := fmt.Sprintf("%s:%d", sc.Address, sc.Port)
		if j, dup := seen[key]; dup {
			return fmt.Errorf("servers[%d]: port %d is already used by servers[%d]", i, sc.Port, j)
		}
		seen[key] = i
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	return c.Logging.Prepare()
}

// Prepare normalizes one server entry: it resolves RootDir, lowercases the
// extension lists into sets and parses the timeouts. Port 0 is accepted here
// so that callers can ask for an ephemeral port; Config.Prepare rejects it.
func (sc *ServerConfig) Prepare(baseDir string) error {
	if sc.Port < 0 || sc.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", sc.Port)
	}

	if strings.TrimSpace(sc.RootDir) == "" {
		return fmt.Errorf("root_dir cannot be empty")
	}
	root := sc.RootDir
	if !filepath.IsAbs(root) && baseDir != "" {
		root = filepath.Join(baseDir, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("cannot make root_dir %q absolute: %w", sc.RootDir, err)
	}
	sc.RootDir = abs

	if len(sc.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed_extensions cannot be empty")
	}
	if sc.Allowed, err = NewExtensionSet(sc.AllowedExtensions); err != nil {
		return fmt.Errorf("allowed_extensions: %w", err)
	}
	if sc.Downloadable, err = NewExtensionSet(sc.DownloadableExtensions); err != nil {
		return fmt.Errorf("downloadable_extensions: %w", err)
	}

	sc.ResolvedMimeTypes = make(map[string]string, len(sc.MimeTypes))
	for ext, mimeType := range sc.MimeTypes {
		norm, err := NormalizeExtension(ext)
		if err != nil {
			return fmt.Errorf("mime_types: %w", err)
		}
		if strings.TrimSpace(mimeType) == "" {
			return fmt.Errorf("mime_types: empty MIME type for extension %q", ext)
		}
		sc.ResolvedMimeTypes[norm] = mimeType
	}

	if sc.ReadTimeoutDuration, err = optionalDuration("read_timeout", sc.ReadTimeout); err != nil {
		return err
	}
	if sc.WriteTimeoutDuration, err = optionalDuration("write_timeout", sc.WriteTimeout); err != nil {
		return err
	}

	if sc.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative, got %d", sc.MaxConnections)
	}
	return nil
}

// Prepare fills in logging defaults and validates targets, levels and formats.
func (lc *LoggingConfig) Prepare() error {
	if lc.LogLevel == "" {
		lc.LogLevel = LogLevelInfo
	}
	switch lc.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", lc.LogLevel)
	}

	if lc.AccessLog == nil {
		lc.AccessLog = &AccessLogConfig{}
	}
	if lc.AccessLog.Enabled == nil {
		enabled := true
		lc.AccessLog.Enabled = &enabled
	}
	if lc.AccessLog.Target == "" {
		lc.AccessLog.Target = "stdout"
	}
	if lc.AccessLog.Format == "" {
		lc.AccessLog.Format = LogFormatJSON
	}
	if err := validateTarget("logging.access_log.target", lc.AccessLog.Target); err != nil {
		return err
	}
	if err := validateFormat("logging.access_log.format", lc.AccessLog.Format); err != nil {
		return err
	}

	if lc.ErrorLog == nil {
		lc.ErrorLog = &ErrorLogConfig{}
	}
	if lc.ErrorLog.Target == "" {
		lc.ErrorLog.Target = "stderr"
	}
	if lc.ErrorLog.Format == "" {
		lc.ErrorLog.Format = LogFormatJSON
	}
	if err := validateTarget("logging.error_log.target", lc.ErrorLog.Target); err != nil {
		return err
	}
	return validateFormat("logging.error_log.format", lc.ErrorLog.Format)
}

func validateTarget(field, target string) error {
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s must be 'stdout', 'stderr' or an absolute file path, got %q", field, target)
	}
	return nil
}

func validateFormat(field, format string) error {
	if format != LogFormatJSON && format != LogFormatText {
		return fmt.Errorf("%s must be %q or %q, got %q", field, LogFormatJSON, LogFormatText, format)
	}
	return nil
}

func optionalDuration(field string, value *string) (time.Duration, error) {
	if value == nil {
		return DefaultTimeout, nil
	}
	return parseDuration(field, *value)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%s cannot be an empty string if specified", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid format for %s '%s': %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative, got '%s'", field, value)
	}
	return d, nil
}
