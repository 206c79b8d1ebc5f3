package main

import (
	"cdss-inference/internal/client"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	apiURL       string
	apiKey       string
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "cdssctl",
	Short:        "CLI for the CDSS inference API",
	Long:         `cdssctl submits DICOM inference jobs, follows their status and renders previews.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cdssctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default from config or http://localhost:8000)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as X-API-KEY")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
}

// initConfig fills unset flags from the config file and CDSSCTL_* variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.cdssctl")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CDSSCTL")
	viper.AutomaticEnv()
	viper.BindEnv("api_url", "CDSSCTL_API_URL")
	viper.BindEnv("api_key", "CDSSCTL_API_KEY", "CDSS_API_KEY")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	if apiURL == "" {
		apiURL = viper.GetString("api_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if apiURL == "" {
		apiURL = "http://localhost:8000"
	}
}

func newClient() *client.Client {
	return client.New(strings.TrimRight(apiURL, "/"), apiKey, timeout)
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
