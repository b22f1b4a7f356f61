package config

import (
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/logging"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	write := func(title string, issues []ValidationError) {
		if len(issues) == 0 {
			return
		}
		builder.WriteString(title + ":\n")
		for _, issue := range issues {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", issue.Field, issue.Message))
			for _, suggestion := range issue.Suggestions {
				builder.WriteString(fmt.Sprintf("      try: %s\n", suggestion))
			}
		}
	}

	write("Errors", vr.Errors)
	write("Warnings", vr.Warnings)

	return builder.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, message string, suggestions ...string) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, message string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

// ValidateConfigWithDetails checks every section and collects all issues.
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateServer(&config.Server, result)
	validateBuild(&config.Build, result)
	validateWatch(&config.Watch, result)
	validateMocks(&config.Mocks, result)
	validateLocator(&config.Locator, result)
	validateLog(&config.Log, result)

	return result
}

// validateConfig returns the first validation error, if any.
func validateConfig(config *Config) error {
	result := ValidateConfigWithDetails(config)
	if result.HasErrors() {
		return &result.Errors[0]
	}
	return nil
}

func validateServer(config *ServerConfig, result *ValidationResult) {
	if config.Port < 0 || config.Port > 65535 {
		result.addError("server.port", config.Port, fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			"use 8080 or 0 for a system-assigned port")
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", " "}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				result.addError("server.host", config.Host, "host contains dangerous character: "+char)
				return
			}
		}
		if net.ParseIP(config.Host) == nil && config.Host != "localhost" && strings.Contains(config.Host, ":") {
			result.addError("server.host", config.Host, "host must not include a port", "set server.port instead")
		}
	}

	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			result.addWarning("server.allowed_origins", origin, "any origin may open the change-event stream")
			continue
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			result.addError("server.allowed_origins", origin, "origin must start with http:// or https://",
				"http://localhost:3000")
		}
	}
}

func validateBuild(config *BuildConfig, result *ValidationResult) {
	if _, err := build.ParseTarget(config.Target); err != nil {
		result.addError("build.target", config.Target, err.Error(), "sandbox", "browser")
	}

	if config.Timeout < 0 {
		result.addError("build.timeout", config.Timeout, "timeout must not be negative", "30s")
	} else if config.Timeout == 0 {
		result.addWarning("build.timeout", config.Timeout, "builds are not bounded in time")
	}

	if config.CacheMaxBytes < 0 {
		result.addError("build.cache_max_bytes", config.CacheMaxBytes, "cache size must not be negative",
			"0 disables eviction")
	}

	for _, entry := range config.EntryFiles {
		if err := validateRelativePath(entry); err != nil {
			result.addError("build.entry_files", entry, err.Error())
		}
	}

	for _, define := range config.Define {
		key, _, ok := strings.Cut(define, "=")
		if !ok || strings.TrimSpace(key) == "" {
			result.addError("build.define", define, "define must have the form KEY=VALUE",
				`process.env.API_URL="http://localhost:3000"`)
		}
	}
}

func validateWatch(config *WatchConfig, result *ValidationResult) {
	for _, name := range config.Ignore {
		if name == "" || strings.ContainsAny(name, `/\`) {
			result.addError("watch.ignore", name, "ignore entries are single path segment names", "node_modules")
		}
	}
}

func validateMocks(config *MocksConfig, result *ValidationResult) {
	for _, ns := range config.ReservedNamespaces {
		if strings.TrimSpace(ns) == "" {
			result.addError("mocks.reserved_namespaces", ns, "namespace prefix must not be empty")
		}
		if strings.HasPrefix(ns, ".") || strings.HasPrefix(ns, "/") {
			result.addError("mocks.reserved_namespaces", ns, "namespace prefix must name a package, not a path")
		}
	}
}

func validateLocator(config *LocatorConfig, result *ValidationResult) {
	if config.Workers < 0 {
		result.addError("locator.workers", config.Workers, "workers must not be negative", "0 uses every CPU")
	}
	if config.ContextLines < 0 || config.ContextLines > 20 {
		result.addError("locator.context_lines", config.ContextLines, "context lines must be between 0 and 20")
	}
}

func validateLog(config *LogConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		result.addError("log.level", config.Level, err.Error(), "debug", "info", "warn", "error")
	}
	switch config.Format {
	case "", "text", "json":
	default:
		result.addError("log.format", config.Format, "unknown log format", "text", "json")
	}
}

// validateRelativePath accepts slash-separated paths that stay inside the
// directory they are resolved against.
func validateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("path must be relative and slash-separated: %s", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path contains traversal: %s", p)
	}
	return nil
}
