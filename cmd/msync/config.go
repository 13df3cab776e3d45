package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage msync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	// The file may not exist or may be broken.
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, the config file and the environment are applied. The token is masked.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.Marshal(true)
		if err != nil {
			return err
		}
		if cfg.Source != "" {
			fmt.Fprintf(os.Stderr, "# from %s\n", cfg.Source)
		} else {
			fmt.Fprintln(os.Stderr, "# built-in defaults (no config file)")
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
