package main

import (
	"github.com/spf13/viper"

	"github.com/warelay/warelay/pkg/config"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/version"
)

// tracingConfig finalises the tracing section with the build version so
// exported spans identify the binary that produced them.
func tracingConfig(cfg *config.Config) telemetry.Config {
	tracing := cfg.Tracing
	if tracing.ServiceName == "" {
		tracing.ServiceName = "warelay"
	}
	if tracing.ServiceVersion == "" {
		tracing.ServiceVersion = version.Get().Version
	}
	return tracing
}

// Initialize global flags for tracing
func init() {
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().String("tracing-sampler", "always", "Tracing sampler type (always, never, ratio)")
	rootCmd.PersistentFlags().Float64("tracing-ratio", 1, "Sampling ratio when using ratio sampler")

	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler_type", rootCmd.PersistentFlags().Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.sampler_ratio", rootCmd.PersistentFlags().Lookup("tracing-ratio"))
}
