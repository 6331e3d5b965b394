package main

import (
	"github.com/spf13/cobra"

	"github.com/shorii/youki/pkg/log"
	"github.com/shorii/youki/pkg/process"
)

// initCmd is the re-exec entry point. The create operation launches
// /proc/self/exe with this subcommand and the sync socketpair as fd 3;
// users never invoke it.
var initCmd = &cobra.Command{
	Use:    "init",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		bundle, _ := cmd.Flags().GetString("bundle")
		stateDir, _ := cmd.Flags().GetString("state-dir")
		cgroupRoot, _ := cmd.Flags().GetString("cgroup-root")
		level, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(level), JSONOutput: true})

		spec, err := loadBundleSpec(bundle)
		if err != nil {
			return err
		}
		return process.RunInit(process.InitOpts{
			ID:         id,
			Bundle:     bundle,
			StateDir:   stateDir,
			CgroupRoot: cgroupRoot,
			Spec:       spec,
		})
	},
}

func init() {
	initCmd.Flags().String("id", "", "Container id")
	initCmd.Flags().String("bundle", "", "Bundle directory")
	initCmd.Flags().String("state-dir", "", "Container state directory")
	initCmd.Flags().String("cgroup-root", "", "Cgroup hierarchy root")
	initCmd.Flags().String("log-level", "info", "Log level")

	rootCmd.AddCommand(initCmd)
}
