// Command lobsterd is the operator CLI for the microVM tenant daemon: it
// drives the same lifecycle, watchdog, scheduler, and HTTP API packages a
// running buoy process does, against the on-disk registry both share.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/regfile"
)

const (
	defaultConfigPath   = "/etc/lobsterd/config.json"
	defaultRegistryPath = "/var/lib/lobsterd/registry.json"
	defaultSSHDir       = "/var/lib/lobsterd/ssh"
)

var (
	configPath   string
	registryPath string

	store  *regfile.Store
	logger *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lobsterd",
	Short: "Operate lobsterd microVM tenants on this host",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to host config file")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", defaultRegistryPath, "path to tenant registry file")

	cobra.OnInitialize(initGlobals)

	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(moltCmd)
	rootCmd.AddCommand(snapCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tankCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(buoyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(uninitCmd)
}

func initGlobals() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	store = regfile.New(configPath, registryPath)
}
