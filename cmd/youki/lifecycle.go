package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/moby/sys/signal"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var createCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create a container from an OCI bundle",
	Long: `Create a container: launch and fully prepare the init process
(namespaces, cgroups, rootfs, seccomp), then park it before exec.
The payload does not run until 'youki start'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, _ := cmd.Flags().GetString("bundle")
		bundle, err := filepath.Abs(bundle)
		if err != nil {
			return err
		}
		spec, err := loadBundleSpec(bundle)
		if err != nil {
			return err
		}
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		var id string
		if len(args) > 0 {
			id = args[0]
		}
		c, err := engine.Create(context.Background(), id, bundle, spec)
		if err != nil {
			return err
		}
		fmt.Println(c.ID)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a created container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Start(args[0])
	},
}

var runCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Create and immediately start a container",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, _ := cmd.Flags().GetString("bundle")
		bundle, err := filepath.Abs(bundle)
		if err != nil {
			return err
		}
		spec, err := loadBundleSpec(bundle)
		if err != nil {
			return err
		}
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		var id string
		if len(args) > 0 {
			id = args[0]
		}
		c, err := engine.Create(context.Background(), id, bundle, spec)
		if err != nil {
			return err
		}
		if err := engine.Start(c.ID); err != nil {
			return err
		}
		fmt.Println(c.ID)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill ID [SIGNAL]",
	Short: "Send a signal to a container's init process",
	Long: `Send a signal to the container init process. The signal may be a
name with or without the SIG prefix, or a number:

  youki kill box1 TERM
  youki kill box1 SIGKILL
  youki kill box1 9`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sigName := "SIGTERM"
		if len(args) == 2 {
			sigName = args[1]
		}
		sig, err := signal.ParseSignal(sigName)
		if err != nil {
			return err
		}
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Kill(args[0], unix.Signal(sig))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Freeze all processes in a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Pause(args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Thaw a paused container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Resume(args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a stopped container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		engine, _, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Delete(args[0], force)
	},
}

func init() {
	createCmd.Flags().StringP("bundle", "b", ".", "Path to the OCI bundle directory")
	runCmd.Flags().StringP("bundle", "b", ".", "Path to the OCI bundle directory")
	deleteCmd.Flags().BoolP("force", "f", false, "Kill the container if it is still running")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(deleteCmd)
}
