package config

import (
	"time"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Log format names understood by the access log.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the top-level configuration structure. Each entry of Servers
// describes one listening port with its own content root.
type Config struct {
	Servers         []ServerConfig `json:"servers" toml:"servers" yaml:"servers"`
	Logging         *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`
	ShutdownTimeout *string        `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"` // e.g., "5s"

	// ShutdownTimeoutDuration is ShutdownTimeout after parsing.
	ShutdownTimeoutDuration time.Duration `json:"-" toml:"-" yaml:"-"`
}

// ServerConfig holds the settings of a single port.
type ServerConfig struct {
	Port                   int               `json:"port" toml:"port" yaml:"port"`
	Address                string            `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	RootDir                string            `json:"root_dir" toml:"root_dir" yaml:"root_dir"`
	AllowedExtensions      []string          `json:"allowed_extensions" toml:"allowed_extensions" yaml:"allowed_extensions"`
	DownloadableExtensions []string          `json:"downloadable_extensions,omitempty" toml:"downloadable_extensions,omitempty" yaml:"downloadable_extensions,omitempty"`
	MimeTypes              map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	ServeDirectoryListing  *bool             `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty" yaml:"serve_directory_listing,omitempty"`
	ErrorRedirectURL       string            `json:"error_redirect_url,omitempty" toml:"error_redirect_url,omitempty" yaml:"error_redirect_url,omitempty"`
	ReadTimeout            *string           `json:"read_timeout,omitempty" toml:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`   // e.g., "30s"
	WriteTimeout           *string           `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"` // e.g., "30s"
	MaxConnections         int               `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`

	// Populated by Prepare. These are what the serving code reads.
	Allowed              ExtensionSet      `json:"-" toml:"-" yaml:"-"`
	Downloadable         ExtensionSet      `json:"-" toml:"-" yaml:"-"`
	ResolvedMimeTypes    map[string]string `json:"-" toml:"-" yaml:"-"`
	ReadTimeoutDuration  time.Duration     `json:"-" toml:"-" yaml:"-"`
	WriteTimeoutDuration time.Duration     `json:"-" toml:"-" yaml:"-"`
}

// ListingEnabled reports whether directories without an index are listed.
func (sc *ServerConfig) ListingEnabled() bool {
	return sc.ServeDirectoryListing == nil || *sc.ServeDirectoryListing
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}
