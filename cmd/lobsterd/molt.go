package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/lifecycle"
)

var moltCmd = &cobra.Command{
	Use:   "molt [name]",
	Short: "Run a check/repair/check cycle, on one tenant or every active tenant",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if len(args) == 1 {
			result, err := s.manager.Molt(ctx, s.host, args[0])
			if err != nil {
				return err
			}
			printMoltResult(result)
			if !result.Healthy {
				return fmt.Errorf("tenant %s unhealthy after molt", args[0])
			}
			return nil
		}

		results, err := s.manager.MoltAll(ctx, s.host)
		if err != nil {
			return err
		}
		allHealthy := true
		for _, r := range results {
			printMoltResult(r)
			if !r.Healthy {
				allHealthy = false
			}
		}
		if !allHealthy {
			return fmt.Errorf("one or more tenants unhealthy after molt")
		}
		return nil
	},
}

func printMoltResult(r lifecycle.MoltResult) {
	status := "healthy"
	if !r.Healthy {
		status = "UNHEALTHY"
	}
	fmt.Printf("%s: %s (%d repair(s) attempted)\n", r.Tenant, status, len(r.Repairs))
	for _, rep := range r.Repairs {
		fmt.Printf("  repair %s: fixed=%v %v\n", rep.Repair, rep.Fixed, rep.Actions)
	}
}

var snapJSON bool

var snapCmd = &cobra.Command{
	Use:   "snap <name>",
	Short: "Archive a tenant's overlay to a tarball",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		path, err := s.manager.Snap(context.Background(), s.host, args[0])
		if err != nil {
			return err
		}
		if snapJSON {
			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(map[string]string{"archive_path": path})
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	snapCmd.Flags().BoolVar(&snapJSON, "json", false, "print the result as JSON")
}
