package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/capacity"
)

var tankJSON bool

var tankCmd = &cobra.Command{
	Use:   "tank",
	Short: "Report this host's capacity and how much of it is committed",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := store.LoadConfig()
		if err != nil {
			return err
		}
		reg, err := store.LoadRegistry()
		if err != nil {
			return err
		}

		report, err := capacity.Tank(capacity.NewHostReader(), host, reg)
		if err != nil {
			return err
		}

		if tankJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("capacity: %d vCPUs, %d MiB (usable: %d vCPUs, %d MiB)\n",
			report.Total.VCPUs, report.Total.MemoryMB, report.Usable.VCPUs, report.Usable.MemoryMB)
		fmt.Printf("committed: %d vCPUs, %d MiB across %d active tenant(s)\n",
			report.Committed.VCPUs, report.Committed.MemoryMB, report.ActiveTenants)
		if report.Overcommitted {
			fmt.Println("WARNING: overcommitted")
		}
		return nil
	},
}

func init() {
	tankCmd.Flags().BoolVar(&tankJSON, "json", false, "print the report as JSON")
}
