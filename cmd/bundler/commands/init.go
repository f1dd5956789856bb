package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vilenarios/ar-io-bundler/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a sample configuration file populated with defaults.

By default the file is created at $XDG_CONFIG_HOME/ar-io-bundler/config.yaml.
Use --config to choose a custom path.

Examples:
  # Initialize at the default location
  ar-bundler init

  # Initialize at a custom path
  ar-bundler init --config /etc/ar-bundler/config.yaml

  # Overwrite an existing file
  ar-bundler init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error
	if configFile != "" {
		configPath = configFile
		err = config.InitConfigToPath(configFile, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point wallet.path at the service's Arweave JWK wallet")
	fmt.Println("  2. Configure the database, object store, and redis sections")
	fmt.Printf("  3. Start the service: ar-bundler start --config %s\n", configPath)
	return nil
}
