package cli

import (
	"os"
	"strings"

	envparse "github.com/caarlos0/env/v11"
)

// baseEnv defines root CLI defaults sourced from STAGECTL_* env vars.
type baseEnv struct {
	// ConfigPath is the pipeline path from STAGECTL_CONFIG.
	ConfigPath string `env:"STAGECTL_CONFIG"`
	// RunsDir is the runs directory from STAGECTL_RUNS_DIR.
	RunsDir string `env:"STAGECTL_RUNS_DIR"`
	// LogLevel is the logging level from STAGECTL_LOG_LEVEL.
	LogLevel string `env:"STAGECTL_LOG_LEVEL"`
}

// varsEnv describes inline vars and var files passed via env.
type varsEnv struct {
	// Vars is a k=v,k2=v2 list from STAGECTL_VARS.
	Vars string `env:"STAGECTL_VARS"`
	// VarFile is a YAML/ENV path from STAGECTL_VAR_FILE.
	VarFile string `env:"STAGECTL_VAR_FILE"`
	// Workspace overrides the pipeline workspace from STAGECTL_WORKSPACE_DIR.
	Workspace string `env:"STAGECTL_WORKSPACE_DIR"`
}

// runEnv captures STAGECTL_* inputs for the run command.
type runEnv struct {
	// FailOnUnstable turns Unstable into a failing exit from STAGECTL_FAIL_ON_UNSTABLE.
	FailOnUnstable bool `env:"STAGECTL_FAIL_ON_UNSTABLE"`
	// Compression is the default artifact compression from STAGECTL_COMPRESSION.
	Compression string `env:"STAGECTL_COMPRESSION"`
	// Serve is an address for the live HTTP API from STAGECTL_SERVE.
	Serve string `env:"STAGECTL_SERVE"`
	// RunID fixes the run identifier from STAGECTL_RUN_ID_OVERRIDE.
	RunID string `env:"STAGECTL_RUN_ID_OVERRIDE"`
}

// serveEnv captures inputs for the serve command.
type serveEnv struct {
	// Addr is the listen address from STAGECTL_ADDR.
	Addr string `env:"STAGECTL_ADDR"`
}

// parseEnv fills target from STAGECTL_* env vars via caarlos0/env.
func parseEnv(target any) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}
