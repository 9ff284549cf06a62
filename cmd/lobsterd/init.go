package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/config"
)

var (
	initDomain string
	initYes    bool
	uninitYes  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default host config and empty tenant registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := store.LoadConfig(); err == nil {
			if !initYes {
				return fmt.Errorf("a config already exists at the configured path; pass --yes to overwrite")
			}
		}

		host := config.DefaultHostConfig()
		if initDomain != "" {
			host.ProxyDomain = initDomain
		}
		if err := store.SaveConfig(host); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		if err := store.SaveRegistry(config.DefaultRegistry()); err != nil {
			return fmt.Errorf("writing empty registry: %w", err)
		}
		for _, dir := range []string{host.OverlayBase, host.ChrootBase, host.SocketsDir, host.KernelsDir, defaultSSHDir} {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		fmt.Println("initialized lobsterd host config and registry")
		return nil
	},
}

var uninitCmd = &cobra.Command{
	Use:   "uninit",
	Short: "Remove the host config and registry (tenants must already be evicted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !uninitYes {
			return fmt.Errorf("refusing to uninit without --yes")
		}
		reg, err := store.LoadRegistry()
		if err == nil && len(reg.Tenants) > 0 {
			return fmt.Errorf("%d tenant(s) still registered; evict them first", len(reg.Tenants))
		}
		if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing config: %w", err)
		}
		if err := os.Remove(registryPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing registry: %w", err)
		}
		fmt.Println("removed lobsterd host config and registry")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initDomain, "domain", "", "override the default proxy domain")
	initCmd.Flags().BoolVar(&initYes, "yes", false, "overwrite an existing config")
	uninitCmd.Flags().BoolVar(&uninitYes, "yes", false, "confirm removal")
}
