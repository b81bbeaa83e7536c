package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"bgjob/internal/app"
	"bgjob/internal/config"
	"bgjob/internal/trigger"
)

var flagConfig string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bgjob",
		Short:        "Background job scheduler daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(flagConfig)
			if err != nil {
				return err
			}
			if err := a.Start(context.Background()); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			var reason app.StopReason
			select {
			case sig := <-sigs:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(ctx, reason)
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for a graceful stop")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d jobs)\n", flagConfig, len(cfg.Jobs))
			for _, j := range cfg.Jobs {
				sched := "manual"
				if strings.TrimSpace(j.Schedule) != "" {
					ps, _ := trigger.ParseSchedule(j.Schedule)
					sched = ps.Spec()
				}
				fmt.Fprintf(out, "  %-16s %-10s %s\n", j.Name, j.Kind, sched)
			}
			return nil
		},
	}
}
