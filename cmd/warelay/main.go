package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warelay/warelay/pkg/config"
	"github.com/warelay/warelay/pkg/presenter"
)

func init() {
	// Load .env before AutomaticEnv so its values bind like real env vars
	_ = godotenv.Load()

	// Environment variables
	viper.SetEnvPrefix("WARELAY")
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer())
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.warelay")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()

	config.Init()
}

var rootCmd = &cobra.Command{
	Use:   "warelay",
	Short: "WhatsApp gateway for conversational AI agents",
	Long: `Warelay relays WhatsApp conversations to an AI agent. It receives
webhook deliveries from the WhatsApp Business Cloud API, batches rapid
bursts of messages per user, and sends the agent's replies back as text
or synthesized voice notes.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		presenter.SetQuiet(viper.GetBool("quiet"))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(1)
	},
}

func main() {
	// Add global flags
	defaults := config.DefaultConfig()
	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.LogFormat, "Log format (json or text)")
	rootCmd.PersistentFlags().String("profile", "", "Configuration profile to apply")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress non-error CLI output")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
