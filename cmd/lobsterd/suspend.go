package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Pause, snapshot, and power off a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		if err := s.manager.Suspend(context.Background(), s.host, args[0]); err != nil {
			return err
		}
		fmt.Printf("suspended %s\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Restore a suspended tenant from its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		if err := s.manager.Resume(context.Background(), s.host, args[0]); err != nil {
			return err
		}
		fmt.Printf("resumed %s\n", args[0])
		return nil
	},
}
