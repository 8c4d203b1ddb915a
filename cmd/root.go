/*
	Copyright 2023 Markus Papenbrock
*/

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mpapenbr/livetiming-go/pkg/cmd/live"
	"github.com/mpapenbr/livetiming-go/pkg/config"
	"github.com/mpapenbr/livetiming-go/version"
)

const envPrefix = "LTM"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ltm",
	Short: "Live timing state engine with delayed playback",
	Long: `ltm follows a live timing feed, rebuilds the session state and serves it
with an optional playback delay.`,
	Version: version.FullVersion,
}

// Execute runs the command line. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.ltm.yml)")

	rootCmd.PersistentFlags().StringVar(&config.WaitForServices,
		"wait-for-services",
		"15s",
		"Duration to wait for other services to be ready")

	rootCmd.AddCommand(live.NewLiveCmd())
}

// initConfig resolves flag values from .env, LTM_* variables and the config file
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ltm")
	}

	// a missing .env file is fine
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	bindFlags(rootCmd, viper.GetViper())
	for _, cmd := range rootCmd.Commands() {
		bindFlags(cmd, viper.GetViper())
	}
}

// envName maps a flag to its variable, e.g. --delay-ms to LTM_DELAY_MS
func envName(flag string) string {
	return fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.ReplaceAll(flag, "-", "_")))
}

// bindFlags applies environment and config file values to flags not given on
// the command line.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if strings.Contains(f.Name, "-") {
			if err := v.BindEnv(f.Name, envName(f.Name)); err != nil {
				fmt.Fprintf(os.Stderr, "Could not bind env var %s: %v\n", f.Name, err)
			}
		}
		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				fmt.Fprintf(os.Stderr, "Could not set flag %s: %v\n", f.Name, err)
			}
		}
	})
}
