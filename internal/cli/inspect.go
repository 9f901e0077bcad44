// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/environment"
	"github.com/noldarim/buildgate/internal/orchestrator/engine"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/orchestrator/pipelines"
)

// commonFlags are shared by every command that reads configuration.
type commonFlags struct {
	configPath   string
	pipelineFile string
	noColor      bool
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "Path to config file (default: search buildgate.yaml)")
	fs.StringVarP(&c.pipelineFile, "pipeline", "p", "", "Path to pipeline YAML file (overrides pipeline.file)")
	fs.BoolVar(&c.noColor, "no-color", false, "Disable colored output")
}

func (c *commonFlags) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.NewConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.pipelineFile != "" {
		cfg.Pipeline.File = c.pipelineFile
	}
	return cfg, nil
}

// parseFlags parses args, treating --help as success.
func parseFlags(fs *pflag.FlagSet, args []string) (help bool, err error) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return true, nil
		}
		return false, &ExitError{Code: 2}
	}
	return false, nil
}

// loadGraph resolves the pipeline and builds its job graph. A malformed
// pipeline is reported on w and yields exit status 2.
func loadGraph(cfg *config.AppConfig, w io.Writer) (models.Pipeline, *engine.Graph, error) {
	p, err := pipelines.Resolve(cfg.Pipeline)
	if err != nil {
		fmt.Fprintf(w, "✗ %v\n", err)
		return p, nil, &ExitError{Code: 2}
	}
	g, err := engine.NewGraph(p)
	if err != nil {
		fmt.Fprintf(w, "✗ %v\n", err)
		return p, nil, &ExitError{Code: 2}
	}
	return p, g, nil
}

func validateCommand(args []string, stdout io.Writer) error {
	var common commonFlags
	var emit bool
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	common.register(fs)
	fs.BoolVar(&emit, "print", false, "Print the resolved pipeline as YAML")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	p, g, err := loadGraph(cfg, stdout)
	if err != nil {
		return err
	}

	if emit {
		data, err := pipelines.Marshal(p)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	st := newStyles(!common.noColor)
	fmt.Fprintf(stdout, "%s %s %s\n", st.success.Render("✓"), st.value.Render(p.Name), st.dim.Render(fmt.Sprintf("(%d jobs, %d cells)", len(g.Jobs()), g.CellCount())))
	fmt.Fprintln(stdout, renderStages(g, st))
	return nil
}

func planCommand(args []string, stdout io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("plan", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	common.register(fs)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	_, g, err := loadGraph(cfg, stdout)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, renderPlan(g, newStyles(!common.noColor)))
	return nil
}

func dockerfileCommand(args []string, stdout io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("dockerfile", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	common.register(fs)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, environment.NewImageSpec(cfg.Container.Image).Dockerfile())
	return err
}
