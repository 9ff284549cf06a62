package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/errs"
)

var devicesCmd = &cobra.Command{
	Use:   "devices <name>",
	Short: "Show a tenant's tap device, overlay, and jailer socket paths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := store.LoadRegistry()
		if err != nil {
			return err
		}
		tenant := reg.Find(args[0])
		if tenant == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+args[0]+" not found")
		}
		fmt.Printf("tap_dev:     %s\n", tenant.TapDev)
		fmt.Printf("overlay:     %s\n", tenant.OverlayPath)
		fmt.Printf("api_socket:  %s\n", tenant.SocketPath)
		fmt.Printf("host_ip:     %s\n", tenant.HostIP)
		fmt.Printf("guest_ip:    %s\n", tenant.GuestIP)
		fmt.Printf("cid:         %d\n", tenant.CID)
		fmt.Printf("jail_uid:    %d\n", tenant.JailUID)
		return nil
	},
}
