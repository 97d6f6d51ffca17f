package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stagectl/internal/env"
)

// LoadOptions describes parameters that influence template rendering of a pipeline file.
type LoadOptions struct {
	// UserVars are inline variables for template rendering.
	UserVars env.Vars
	// VarFiles lists additional var-files to load.
	VarFiles []string
	// Workspace overrides the workspace declared in the file.
	Workspace string
}

// TemplateContext represents the data exposed to Go-templates when rendering
// pipeline files and evaluating action conditions.
type TemplateContext struct {
	// Pipeline is the pipeline name.
	Pipeline string
	// ProjectRoot is the directory containing the pipeline file.
	ProjectRoot string
	// Workspace is the resolved workspace directory.
	Workspace string
	// Now is the timestamp captured for template rendering.
	Now time.Time
	// UserVars contains inline user variables.
	UserVars env.Vars
	// EnvMap merges OS env, envFiles, var-files and user variables.
	EnvMap env.Vars
	// Vars contains the vars block of the pipeline file.
	Vars map[string]string
	// RunID is the run identifier; empty at load time.
	RunID string
	// Status is the current pipeline status; empty at load time.
	Status string
}

// rawHeader is a minimal struct used to extract top-level fields before templating.
type rawHeader struct {
	Name      string            `yaml:"name"`
	Workspace string            `yaml:"workspace"`
	EnvFiles  []string          `yaml:"envFiles"`
	Vars      map[string]string `yaml:"vars"`
}

// LoadAndRender reads a pipeline file, loads envFiles and user vars, and returns
// rendered YAML/JSON bytes together with the template context that was used.
func LoadAndRender(path string, opts LoadOptions) ([]byte, TemplateContext, error) {
	var zeroCtx TemplateContext

	if path == "" {
		return nil, zeroCtx, fmt.Errorf("pipeline path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("resolve pipeline path: %w", err)
	}

	rawBytes, err := os.ReadFile(absPath)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("read pipeline %q: %w", absPath, err)
	}
	if isJSONC(absPath) {
		rawBytes = jsonc.ToJSON(rawBytes)
	}

	// The header may contain template actions; parse it leniently from a
	// copy with actions stripped so that quoting is not disturbed.
	var header rawHeader
	if err := yaml.Unmarshal(stripActions(rawBytes), &header); err != nil {
		return nil, zeroCtx, fmt.Errorf("parse top-level pipeline fields: %w", err)
	}

	baseDir := filepath.Dir(absPath)

	envFileVars, err := env.LoadEnvFiles(baseDir, header.EnvFiles)
	if err != nil {
		return nil, zeroCtx, err
	}

	varFileVars := make(env.Vars)
	for _, vf := range opts.VarFiles {
		if strings.TrimSpace(vf) == "" {
			continue
		}
		vp, err := env.LoadVarFile(vf)
		if err != nil {
			return nil, zeroCtx, fmt.Errorf("load var-file %q: %w", vf, err)
		}
		varFileVars = env.Merge(varFileVars, vp)
	}

	ctx := TemplateContext{
		Pipeline:    header.Name,
		ProjectRoot: baseDir,
		Now:         time.Now().UTC(),
		UserVars:    opts.UserVars,
		EnvMap:      env.Merge(env.FromOS(), envFileVars, varFileVars, opts.UserVars),
		Vars:        header.Vars,
	}
	ctx.Workspace = resolveWorkspace(baseDir, opts.Workspace, header.Workspace)

	rendered, err := RenderTemplate(filepath.Base(absPath), rawBytes, ctx)
	if err != nil {
		return nil, zeroCtx, err
	}

	return rendered, ctx, nil
}

// LoadPipelineConfig loads, templates and parses a pipeline file into PipelineConfig
// and TemplateContext.
func LoadPipelineConfig(path string, opts LoadOptions) (*PipelineConfig, TemplateContext, error) {
	rendered, ctx, err := LoadAndRender(path, opts)
	if err != nil {
		return nil, TemplateContext{}, err
	}

	cfg, err := Parse(rendered)
	if err != nil {
		return nil, TemplateContext{}, err
	}

	ctx.Pipeline = cfg.Name
	ctx.Vars = cfg.Vars
	ctx.Workspace = resolveWorkspace(ctx.ProjectRoot, opts.Workspace, cfg.Workspace)
	cfg.Workspace = ctx.Workspace

	return cfg, ctx, nil
}

// Parse decodes rendered YAML or JSON bytes into a PipelineConfig.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rendered pipeline: %w", err)
	}
	return &cfg, nil
}

// RenderTemplate renders arbitrary YAML or text content using the template context and helpers.
func RenderTemplate(name string, raw []byte, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(buildFuncMap(ctx)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// EvaluateCondition renders expr and reports whether it is truthy.
// Empty expressions and empty renders are true; false, 0 and no are false.
func EvaluateCondition(name, expr string, ctx TemplateContext) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	rendered, err := RenderTemplate(name+"-when", []byte(expr), ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(string(rendered))) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func isJSONC(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return true
	}
	return false
}

func resolveWorkspace(baseDir, override, declared string) string {
	ws := strings.TrimSpace(override)
	if ws == "" {
		ws = strings.TrimSpace(declared)
	}
	if ws == "" {
		ws = "."
	}
	if !filepath.IsAbs(ws) {
		ws = filepath.Join(baseDir, ws)
	}
	return filepath.Clean(ws)
}

// stripActions removes {{ ... }} template actions so the header can be parsed
// before rendering.
func stripActions(raw []byte) []byte {
	var out bytes.Buffer
	rest := raw
	for {
		start := bytes.Index(rest, []byte("{{"))
		if start < 0 {
			out.Write(rest)
			return out.Bytes()
		}
		end := bytes.Index(rest[start:], []byte("}}"))
		if end < 0 {
			out.Write(rest)
			return out.Bytes()
		}
		out.Write(rest[:start])
		rest = rest[start+end+2:]
	}
}

// buildFuncMap constructs the common set of template functions available in pipeline files.
func buildFuncMap(ctx TemplateContext) template.FuncMap {
	return template.FuncMap{
		"default":    funcDef,
		"toLower":    strings.ToLower,
		"slug":       funcSlug,
		"truncSHA":   funcTruncSHA,
		"envOr":      funcEnvOr(ctx.EnvMap),
		"ternary":    funcTernary,
		"now":        func() time.Time { return ctx.Now },
		"join":       funcJoin,
		"trimPrefix": funcTrimPrefix,
	}
}

// funcDef returns def when value is empty or whitespace, otherwise value.
func funcDef(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// funcSlug normalizes a value into a lower-case dash-separated slug.
func funcSlug(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, " ", "-")
	v = strings.ReplaceAll(v, "_", "-")
	return v
}

// funcTruncSHA truncates an SHA-like string to a shorter length for display.
func funcTruncSHA(s string) string {
	const max = 12
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// funcEnvOr returns a function that looks up a key in envMap and falls back to def.
func funcEnvOr(envMap env.Vars) func(key, def string) string {
	return func(key, def string) string {
		if v, ok := envMap[key]; ok && v != "" {
			return v
		}
		return def
	}
}

// funcTernary returns a when cond is true, otherwise b.
func funcTernary(cond bool, a, b any) any {
	if cond {
		return a
	}
	return b
}

// funcJoin joins a slice of strings with the given separator.
func funcJoin(values []string, sep string) string {
	return strings.Join(values, sep)
}

// funcTrimPrefix removes the prefix from value when present.
func funcTrimPrefix(value, prefix string) string {
	return strings.TrimPrefix(value, prefix)
}
