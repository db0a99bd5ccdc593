// Package configpkg loads the YAML `apps: [...]` configuration file of
// spec.md §6 into a slice of registry.Spec, the same shape the daemon
// hands to Supervisor.Start. It is grounded on the teacher's
// internal/config/config.go use of viper.New()+v.Unmarshal against a
// mapstructure-tagged struct, simplified to the single flat app list
// spec.md describes (no groups, no cron jobs, no store/history wiring —
// those are the daemon's own flags, not a per-app concern).
package configpkg

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/provand/internal/registry"
	"github.com/loykin/provand/internal/supverrors"
)

// fileApp mirrors spec.md §6's per-app keys (snake_case on disk).
type fileApp struct {
	Name         string            `mapstructure:"name"`
	Script       string            `mapstructure:"script"`
	Args         []string          `mapstructure:"args"`
	Cwd          string            `mapstructure:"cwd"`
	Env          map[string]string `mapstructure:"env"`
	Instances    string            `mapstructure:"instances"` // numeric string or "auto"
	Watch        bool              `mapstructure:"watch"`
	WatchIgnore  []string          `mapstructure:"watch_ignore"`
	MemoryLimit  string            `mapstructure:"memory_limit"`
	CPULimit     float64           `mapstructure:"cpu_limit"`
	RestartDelay int               `mapstructure:"restart_delay"` // ms
	MaxRestarts  int               `mapstructure:"max_restarts"`
	HealthCheck  string            `mapstructure:"health_check"`
	LogFormat    string            `mapstructure:"log_format"`
	LogOutput    string            `mapstructure:"log_output"`
	MetricsPort  int               `mapstructure:"metrics_port"`
	Runtime      string            `mapstructure:"runtime"`
}

type fileConfig struct {
	Apps []fileApp `mapstructure:"apps"`
}

var memoryLimitRE = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(b|kb|mb|gb)$`)

var unitMultiplier = map[string]int64{
	"b":  1,
	"kb": 1 << 10,
	"mb": 1 << 20,
	"gb": 1 << 30,
}

// Load reads and validates path, returning one registry.Spec per app in
// declaration order. A malformed file or app yields an error wrapping
// supverrors.ErrInvalidConfig, naming the offending app where known.
func Load(path string) ([]registry.Spec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("configpkg: read %s: %w: %v", path, supverrors.ErrInvalidConfig, err)
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("configpkg: parse %s: %w: %v", path, supverrors.ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(cfg.Apps))
	specs := make([]registry.Spec, 0, len(cfg.Apps))
	for _, app := range cfg.Apps {
		spec, err := toSpec(app)
		if err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("configpkg: duplicate app name %q: %w", spec.Name, supverrors.ErrInvalidConfig)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func toSpec(app fileApp) (registry.Spec, error) {
	name := strings.TrimSpace(app.Name)
	if name == "" {
		return registry.Spec{}, fmt.Errorf("configpkg: app missing name: %w", supverrors.ErrInvalidConfig)
	}
	if strings.TrimSpace(app.Script) == "" {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q missing script: %w", name, supverrors.ErrInvalidConfig)
	}

	instances, err := parseInstances(app.Instances)
	if err != nil {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: %w: %v", name, supverrors.ErrInvalidConfig, err)
	}

	memLimit, err := parseMemoryLimit(app.MemoryLimit)
	if err != nil {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: %w: %v", name, supverrors.ErrInvalidConfig, err)
	}

	if app.CPULimit < 0 || app.CPULimit > 100 {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: cpu_limit must be 0-100: %w", name, supverrors.ErrInvalidConfig)
	}

	if app.HealthCheck != "" {
		if _, err := url.ParseRequestURI(app.HealthCheck); err != nil {
			return registry.Spec{}, fmt.Errorf("configpkg: app %q: invalid health_check url: %w: %v", name, supverrors.ErrInvalidConfig, err)
		}
	}

	logFormat, err := parseLogFormat(app.LogFormat)
	if err != nil {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: %w: %v", name, supverrors.ErrInvalidConfig, err)
	}
	logOutput, err := parseLogOutput(app.LogOutput)
	if err != nil {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: %w: %v", name, supverrors.ErrInvalidConfig, err)
	}

	if app.MetricsPort != 0 && (app.MetricsPort < 1 || app.MetricsPort > 65535) {
		return registry.Spec{}, fmt.Errorf("configpkg: app %q: metrics_port must be 1-65535: %w", name, supverrors.ErrInvalidConfig)
	}

	return registry.Spec{
		Name:          name,
		Script:        app.Script,
		Args:          app.Args,
		WorkDir:       app.Cwd,
		Env:           app.Env,
		Instances:     instances,
		Watch:         app.Watch,
		WatchIgnore:   app.WatchIgnore,
		MemoryLimit:   memLimit,
		CPULimit:      app.CPULimit,
		RestartDelay:  time.Duration(app.RestartDelay) * time.Millisecond,
		MaxRestarts:   app.MaxRestarts,
		HealthCheck:   app.HealthCheck,
		LogFormat:     logFormat,
		LogOutput:     logOutput,
		MetricsPort:   app.MetricsPort,
		Runtime:       app.Runtime,
	}, nil
}

// parseInstances accepts an empty string (defaults to 1), "auto" (returned
// as 0, meaning "unset"; nothing in this module maps it to a CPU count), or a positive integer string.
func parseInstances(raw string) (int, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "":
		return 1, nil
	case "auto":
		return 0, nil
	default:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("instances must be a positive integer or %q", "auto")
		}
		return n, nil
	}
}

func parseMemoryLimit(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	m := memoryLimitRE.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("memory_limit %q does not match /^\\d+(\\.\\d+)?\\s*(b|kb|mb|gb)$/i", raw)
	}
	value, _ := strconv.ParseFloat(m[1], 64)
	mult := unitMultiplier[strings.ToLower(m[2])]
	return int64(value * float64(mult)), nil
}

func parseLogFormat(raw string) (registry.LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text":
		return registry.LogFormatText, nil
	case "json":
		return registry.LogFormatJSON, nil
	default:
		return "", fmt.Errorf("log_format must be text or json, got %q", raw)
	}
}

func parseLogOutput(raw string) (registry.LogDestination, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "file":
		return registry.LogDestFile, nil
	case "stdout":
		return registry.LogDestStdout, nil
	default:
		return "", fmt.Errorf("log_output must be file or stdout, got %q", raw)
	}
}
