package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/env"
	"github.com/codex-k8s/stagectl/internal/pipeline"
)

func parseInlineVarsAndFiles(cmd *cobra.Command) (env.Vars, []string, string, error) {
	var ve varsEnv
	if err := parseEnv(&ve); err != nil {
		return nil, nil, "", err
	}

	flags := cmd.Flags()
	inlineVars, err := env.ParseInlineVars(flagOrEnv(flags, "vars", ve.Vars))
	if err != nil {
		return nil, nil, "", err
	}

	var varFiles []string
	if varFile := flagOrEnv(flags, "var-file", ve.VarFile); varFile != "" {
		varFiles = append(varFiles, varFile)
	}

	workspace := flagOrEnv(flags, "workspace", ve.Workspace)
	return inlineVars, varFiles, workspace, nil
}

func loadPipelineConfigFromCmd(opts *Options, cmd *cobra.Command) (*config.PipelineConfig, config.TemplateContext, error) {
	inlineVars, varFiles, workspace, err := parseInlineVarsAndFiles(cmd)
	if err != nil {
		return nil, config.TemplateContext{}, err
	}

	loadOpts := config.LoadOptions{
		UserVars:  inlineVars,
		VarFiles:  varFiles,
		Workspace: workspace,
	}
	return config.LoadPipelineConfig(opts.ConfigPath, loadOpts)
}

// loadPipelineFromCmd loads, validates and builds the pipeline named by --config.
func loadPipelineFromCmd(opts *Options, cmd *cobra.Command) (*config.PipelineConfig, *pipeline.Pipeline, config.TemplateContext, error) {
	cfg, tmpl, err := loadPipelineConfigFromCmd(opts, cmd)
	if err != nil {
		return nil, nil, config.TemplateContext{}, err
	}
	p, err := pipeline.Build(cfg)
	if err != nil {
		return nil, nil, config.TemplateContext{}, err
	}
	return cfg, p, tmpl, nil
}

func addVarsFlags(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to YAML/ENV file with additional variables")
	cmd.Flags().String("workspace", "", "Override the workspace declared in the pipeline file")
}

// flagOrEnv returns the flag value when it was set explicitly, otherwise the
// non-empty env value, otherwise the flag default.
func flagOrEnv(flags *pflag.FlagSet, name, envValue string) string {
	f := flags.Lookup(name)
	if f == nil {
		return envValue
	}
	if !f.Changed && envValue != "" {
		return envValue
	}
	return f.Value.String()
}
