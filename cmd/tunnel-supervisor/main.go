// Command tunnel-supervisor keeps a tunnel daemon connected to one of a list
// of servers, reconnecting and switching servers as needed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shini4i/tunnel-supervisor/internal/config"
)

// Version is set at build time using ldflags.
var Version = "dev"

var (
	configPath string
	envFiles   []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tunnel-supervisor",
	Short: "Supervise a tunnel daemon and its transport proxy",
	Long: `tunnel-supervisor picks a server, asks the authorization service for
permission, starts the tunnel daemon (optionally behind an SSH or TLS proxy)
and keeps it up until interrupted.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tunnel-supervisor %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/tunnel-supervisor/config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files read before TUNNEL_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config path and applies environment overrides.
func loadConfig() (*config.Manager, error) {
	path := configPath
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		if err := paths.EnsurePaths(); err != nil {
			return nil, err
		}
		path = paths.ConfigFile
	}

	ov, err := config.LoadOverrides(envFiles...)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		ov.LogLevel = &logLevel
	}

	return config.NewManager(path, ov)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
