package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/infra/logging"
)

type rootFlags struct {
	configPath string
	backendURL string
	token      string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "Submit and watch asynchronous enrichment jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to the service YAML config")
	root.PersistentFlags().StringVar(&f.backendURL, "backend-url", os.Getenv("ENRICHMENT_BACKEND_URL"), "backend base URL (when no config is given)")
	root.PersistentFlags().StringVar(&f.token, "backend-token", os.Getenv("ENRICHMENT_BACKEND_TOKEN"), "backend bearer token (when no config is given)")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "log every poll tick")

	root.AddCommand(newSubmitCmd(f), newStatusCmd(f), newTokenCmd())
	return root
}

// load reads the config file, or builds one from the backend flags.
func (f *rootFlags) load() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadConfig(f.configPath, true)
	}
	if f.backendURL == "" {
		return nil, fmt.Errorf("either --config or --backend-url is required")
	}
	raw, err := yaml.Marshal(map[string]any{
		"backend": map[string]any{"base_url": f.backendURL, "token": f.token},
	})
	if err != nil {
		return nil, err
	}
	return config.Parse(raw, true)
}

func (f *rootFlags) logger() *zerolog.Logger {
	level := "warn"
	if f.verbose {
		level = "debug"
	}
	return logging.NewWithWriter(os.Stderr, config.LogConfig{Level: level, Format: "console"}, true)
}

func workflowConfig(cfg *config.Config, name string) (config.WorkflowConfig, error) {
	wc, ok := cfg.Workflows[name]
	if !ok {
		return config.WorkflowConfig{}, fmt.Errorf("unknown workflow %q (have %v)", name, cfg.WorkflowNames())
	}
	return wc, nil
}
