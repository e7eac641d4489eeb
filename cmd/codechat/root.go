package codechat

import (
	"fmt"

	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "codechat",
	Short: "CodeChat - sandboxed code execution and browser automation for chat assistants",
	Long: "CodeChat runs untrusted code snippets in throwaway, network-less containers and drives " +
		"a browser-automation worker for web chat services, behind a fixed allowlist policy.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := loadConfig()
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.codechat/codechat.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(policyCmd)
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of CodeChat",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("codechat v%s\n", version)
	},
}
