package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warelay/warelay/pkg/config"
	"github.com/warelay/warelay/pkg/presenter"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the gateway would run with, after merging
defaults, the config file, environment variables, flags, and the active
profile. Secrets are redacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			presenter.Error(err, "failed to load configuration")
			os.Exit(1)
		}

		out, err := renderConfig(cfg.Redacted())
		if err != nil {
			presenter.Error(err, "failed to render configuration")
			os.Exit(1)
		}
		fmt.Print(out)
	},
}

// renderConfig dumps the configuration as YAML with durations in their
// human form rather than nanosecond integers.
func renderConfig(cfg config.Config) (string, error) {
	var tree map[string]any
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		return "", errors.Wrap(err, "flattening configuration")
	}
	// Profile overlays are already applied; the dump shows the result.
	delete(tree, "profiles")
	humanizeDurations(tree)

	out, err := yaml.Marshal(tree)
	if err != nil {
		return "", errors.Wrap(err, "encoding configuration")
	}
	return string(out), nil
}

func humanizeDurations(tree map[string]any) {
	for key, value := range tree {
		switch v := value.(type) {
		case time.Duration:
			tree[key] = v.String()
		case map[string]any:
			humanizeDurations(v)
		}
	}
}
