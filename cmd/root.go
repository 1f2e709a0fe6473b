// Package cmd provides the liveweave command-line interface.
//
// Configuration is read from, highest priority first:
//
//  1. Command-line flags (--config, --port, --log-level, ...)
//  2. LIVEWEAVE_<SECTION>_<OPTION> environment variables, including those
//     set by a .env file in the working directory
//  3. The configuration file: --config, LIVEWEAVE_CONFIG_FILE, or
//     .liveweave.yml in the working directory
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "liveweave",
	Short: "Server-rendered templates kept live with minimal DOM patches",
	Long: `Liveweave renders templates on the server against your data and keeps
every open page current by streaming the smallest set of DOM patches.

It reads which fields each template uses, plans the eager loads for them,
serializes only those fields, and diffs each render against the last one.

Quick Start:
  liveweave serve                 Serve every template as a live view
  liveweave render page.html      Render a template once
  liveweave diff old.html new.html
                                  Print the patches between two documents
  liveweave audit page.html --bind items=Item
                                  Show the paths, serializer and query plan
  liveweave list                  List the configured views
  liveweave validate              Check configuration, schema and templates`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .liveweave.yml, can also use LIVEWEAVE_CONFIG_FILE env var)")
	flags.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.StringSliceP("templates", "t", nil, "template directories")
	flags.String("schema", "", "schema file describing the stored types")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("templates.dirs", flags.Lookup("templates"))
	_ = viper.BindPFlag("store.schema", flags.Lookup("schema"))

	AddFlagValidation(rootCmd, "log-format", func(format string) error {
		return validateFormat(format, []string{"text", "json"})
	})
}

// initConfig wires the configuration sources into viper. A missing .env or
// config file is not an error.
func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Warning: cannot read .env:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LIVEWEAVE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".liveweave")
	}

	viper.SetEnvPrefix("LIVEWEAVE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if _, missing := err.(viper.ConfigFileNotFoundError); !missing && cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Warning: cannot read config file:", err)
	}
}
