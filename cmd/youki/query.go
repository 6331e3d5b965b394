package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state ID",
	Short: "Print the OCI state of a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		st, err := engine.State(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		containers, err := engine.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPID\tCREATED\tBUNDLE")
		for _, c := range containers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s ago\t%s\n",
				c.ID, c.Status, c.Pid,
				units.HumanDuration(time.Since(c.CreatedAt)), c.Bundle)
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [ID]",
	Short: "Stream lifecycle events, or show container stats",
	Long: `Without flags, stream lifecycle events until interrupted,
optionally filtered to one container. With --stats, print current
resource usage for the given container and exit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showStats, _ := cmd.Flags().GetBool("stats")
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		if showStats {
			if len(args) == 0 {
				return fmt.Errorf("--stats requires a container id")
			}
			st, err := engine.Stats(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintf(w, "memory used\t%s\n", units.BytesSize(float64(st.MemoryUsageBytes)))
			if st.MemoryLimitBytes > 0 {
				fmt.Fprintf(w, "memory limit\t%s\n", units.BytesSize(float64(st.MemoryLimitBytes)))
			}
			fmt.Fprintf(w, "cpu usage\t%dus\n", st.CPUUsageUsec)
			fmt.Fprintf(w, "cpu throttled\t%dus\n", st.CPUThrottledUsec)
			fmt.Fprintf(w, "pids\t%d\n", st.PidsCurrent)
			return w.Flush()
		}

		var filter string
		if len(args) > 0 {
			filter = args[0]
		}
		sub := engine.Events()
		defer engine.Unsubscribe(sub)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		for {
			select {
			case ev := <-sub:
				if ev == nil {
					return nil
				}
				if filter != "" && ev.Container != filter {
					continue
				}
				fmt.Printf("%s %s %s %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Container, ev.Message)
			case <-sigCh:
				return nil
			}
		}
	},
}

func init() {
	eventsCmd.Flags().Bool("stats", false, "Print resource usage instead of streaming events")

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(eventsCmd)
}
