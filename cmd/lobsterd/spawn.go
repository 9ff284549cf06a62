package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <name>",
	Short: "Provision and boot a new tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		tenant, err := s.manager.Spawn(context.Background(), s.host, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("spawned %s (guest_ip=%s gateway_port=%d)\n", tenant.Name, tenant.GuestIP, tenant.GatewayPort)
		return nil
	},
}

var evictYes bool

var evictCmd = &cobra.Command{
	Use:   "evict <name>",
	Short: "Tear down a tenant and reclaim its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !evictYes {
			return fmt.Errorf("refusing to evict %s without --yes", args[0])
		}
		s, err := loadShared()
		if err != nil {
			return err
		}
		if err := s.manager.Evict(context.Background(), s.host, args[0]); err != nil {
			return err
		}
		fmt.Printf("evicted %s\n", args[0])
		return nil
	},
}

func init() {
	evictCmd.Flags().BoolVar(&evictYes, "yes", false, "confirm tenant eviction")
}
