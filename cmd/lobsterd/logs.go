package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/agentclient"
	"github.com/lobsterd/lobsterd/internal/errs"
)

var (
	logsService  string
	logsWatchdog bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [name]",
	Short: "Fetch guest logs, or the watchdog's current view of tenant health",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		reg, err := store.LoadRegistry()
		if err != nil {
			return err
		}

		if logsWatchdog {
			wd := s.buildWatchdog()
			wd.Tick(context.Background())
			for _, t := range reg.Tenants {
				if len(args) == 1 && t.Name != args[0] {
					continue
				}
				st := wd.State(t.Name)
				fmt.Printf("%s: %s (repair_attempts=%d)\n", t.Name, st.State, st.RepairAttempts)
				for _, r := range st.LastResults {
					fmt.Printf("  %s: %s %s\n", r.Check, r.Status, r.Message)
				}
			}
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("logs requires a tenant name unless --watchdog is set")
		}
		if logsService != "" && logsService != "gateway" {
			return fmt.Errorf("unknown --service %q: only \"gateway\" is currently logged in-guest", logsService)
		}

		tenant := reg.Find(args[0])
		if tenant == nil {
			return errs.New(errs.CodeTenantNotFound, "tenant "+args[0]+" not found")
		}
		ac := agentclient.New(tenant.GuestIP, s.host.AgentPort, tenant.AgentToken)
		text, err := ac.GetLogs(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsService, "service", "", "in-guest service to fetch logs for (default: gateway)")
	logsCmd.Flags().BoolVar(&logsWatchdog, "watchdog", false, "print watchdog state instead of guest logs")
}

var tokenCmd = &cobra.Command{
	Use:   "token <name>",
	Short: "Print a tenant's agent bearer token",
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
		fmt.Println(tenant.AgentToken)
		return nil
	},
}
