package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/scheduler"
)

var watchDaemon bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the health-check/repair loop and idle/wake scheduler",
	Long: `Without --daemon, runs a single watchdog tick against every tenant and
prints the resulting state. With --daemon, runs the watchdog and the
idle/wake scheduler continuously until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}
		wd := s.buildWatchdog()

		if !watchDaemon {
			wd.Tick(context.Background())
			reg, err := store.LoadRegistry()
			if err != nil {
				return err
			}
			for _, t := range reg.Tenants {
				st := wd.State(t.Name)
				fmt.Printf("%s: %s\n", t.Name, st.State)
			}
			return nil
		}

		sched := scheduler.New(store, s.host, s.inflight, s.emitter, wd, s.manager, s.network)
		wd.Start(time.Duration(s.host.Watchdog.IntervalMs) * time.Millisecond)
		sched.Start()
		logger.Info("watch: daemon running", "pid", os.Getpid())

		waitForSignal()

		sched.Stop()
		return wd.Stop()
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchDaemon, "daemon", false, "run continuously instead of a single tick")
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
}
