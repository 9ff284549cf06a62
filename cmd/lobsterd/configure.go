package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/errs"
)

// configureCmd is read-only by design: hot-resizing a running guest's
// vCPU/memory allocation is out of scope, so this reports the host-wide
// defaults every tenant is currently spawned with.
var configureCmd = &cobra.Command{
	Use:   "configure <name>",
	Short: "Show the vCPU/memory allocation a tenant was spawned with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := store.LoadConfig()
		if err != nil {
			return err
		}
		reg, err := store.LoadRegistry()
		if err != nil {
			return err
		}
		tenant := reg.Find(args[0])
		if tenant == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+args[0]+" not found")
		}
		fmt.Printf("%s: %d vCPUs, %d MiB memory, %d MiB overlay\n",
			tenant.Name, host.DefaultVCPUs, host.DefaultMemMiB, host.DefaultOverlayMiB)
		return nil
	},
}
