package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/peleka/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate service configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse, merge, and validate a service config file",
	RunE:  runConfigValidate,
}

func init() {
	configValidateCmd.Flags().StringP("config", "c", "peleka.yml", "path to the service config file")
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	destination, _ := rootCmd.PersistentFlags().GetString("destination")

	cfg, err := config.Load(cfgPath, destination)
	if err != nil {
		return err
	}

	fmt.Printf("service:  %s\n", cfg.Service)
	fmt.Printf("image:    %s\n", cfg.Image)
	fmt.Printf("servers:  %v\n", cfg.Servers)
	fmt.Printf("strategy: %s\n", cfg.Strategy)
	fmt.Println("config is valid")
	return nil
}
