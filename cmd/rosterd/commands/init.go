package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TrustInBlood/roster-control/pkg/api"
	"github.com/TrustInBlood/roster-control/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample rosterd configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/rosterd/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  rosterd init

  # Initialize with custom path
  rosterd init --config /etc/rosterd/config.yaml

  # Force overwrite existing config
  rosterd init --force`,
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
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your guild ID and role-to-tier mapping under 'discord:'")
	fmt.Println("  2. Start the service with: rosterd start")
	fmt.Printf("  3. Or specify custom config: rosterd start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random JWT secret has been generated for development use.")
	fmt.Println("  For production, generate a secure secret and use an environment variable:")
	fmt.Println("    # Generates a 64-character hex string (32 bytes of entropy)")
	fmt.Printf("    export %s=$(openssl rand -hex 32)\n", api.EnvJWTSecret)

	return nil
}
