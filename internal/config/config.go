// Package config holds server options and the master configuration:
// the file that declares which schedulers exist, which builders they
// trigger, and how they classify changes. Problems found while loading
// are collected across the whole file and reported as one aggregate, so
// an operator sees every mistake at once instead of fixing them one
// restart at a time.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the Forge server.
type ServerConfig struct {
	Addr       string // Listen address (default ":8010")
	LogLevel   string // Log level: debug, info, warn, error
	LogFormat  string // Log format: text, json
	DBPath     string // SQLite database path (default ~/.forge/forge.db, ":memory:" for testing)
	MasterPath string // Master config YAML path
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8010",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Errors accumulates configuration problems. It implements error; a
// collector with no problems is not an error (see OrNil).
type Errors struct {
	Problems []string
}

// Addf records one problem.
func (e *Errors) Addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Empty reports whether no problems were collected.
func (e *Errors) Empty() bool {
	return len(e.Problems) == 0
}

// OrNil returns e as an error, or nil if nothing was collected.
func (e *Errors) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *Errors) Error() string {
	return fmt.Sprintf("%d configuration error(s):\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// FilterConfig declares which changes a scheduler sees at all. Empty
// lists match everything; a change must match every configured field.
type FilterConfig struct {
	Branches     []string `yaml:"branches"`
	BranchRegex  string   `yaml:"branch_re"`
	Projects     []string `yaml:"projects"`
	Repositories []string `yaml:"repositories"`
	Codebases    []string `yaml:"codebases"`
	Categories   []string `yaml:"categories"`
}

// SchedulerConfig is one scheduler definition from the master config.
type SchedulerConfig struct {
	Name       string         `yaml:"name"`
	Builders   []string       `yaml:"builders"`
	Properties map[string]any `yaml:"properties"`

	// Important is a JavaScript expression evaluated per change with
	// `change` in scope; truthy means important. Empty means every
	// change is important.
	Important     string        `yaml:"important"`
	OnlyImportant bool          `yaml:"only_important"`
	Filter        *FilterConfig `yaml:"filter"`
}

// MasterConfig is the parsed master configuration file.
type MasterConfig struct {
	Title      string            `yaml:"title"`
	Schedulers []SchedulerConfig `yaml:"schedulers"`
}

// LoadMaster reads and validates a master config file. Every problem in
// the file is collected; the returned error, if non-nil, is a *Errors
// aggregate describing all of them.
func LoadMaster(path string) (*MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master config: %w", err)
	}
	return ParseMaster(data)
}

// ParseMaster parses and validates master config bytes.
func ParseMaster(data []byte) (*MasterConfig, error) {
	var mc MasterConfig
	if err := yaml.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parse master config: %w", err)
	}

	errs := &Errors{}
	seen := make(map[string]bool)
	for i, sc := range mc.Schedulers {
		label := sc.Name
		if label == "" {
			label = fmt.Sprintf("schedulers[%d]", i)
		}
		if sc.Name == "" {
			errs.Addf("%s: scheduler name must not be empty", label)
		}
		if seen[sc.Name] {
			errs.Addf("%s: duplicate scheduler name", label)
		}
		seen[sc.Name] = true

		if len(sc.Builders) == 0 {
			errs.Addf("%s: builders must be a non-empty list", label)
		}
		for j, b := range sc.Builders {
			if strings.TrimSpace(b) == "" {
				errs.Addf("%s: builders[%d] is empty", label, j)
			}
		}
		if sc.Filter != nil && sc.Filter.BranchRegex != "" {
			if _, err := regexp.Compile(sc.Filter.BranchRegex); err != nil {
				errs.Addf("%s: branch_re: %v", label, err)
			}
		}
	}

	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return &mc, nil
}
