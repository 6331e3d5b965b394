package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"

	"github.com/shorii/youki/pkg/config"
	"github.com/shorii/youki/pkg/container"
	"github.com/shorii/youki/pkg/log"
	"github.com/shorii/youki/pkg/state"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "youki",
	Short: "Youki - Low-level OCI container runtime",
	Long: `Youki creates and runs containers from OCI runtime bundles:
namespaces, cgroups, seccomp and capabilities, with the runc-style
create/start split.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Youki version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to YAML config file")
	pf.String("root", "", "State directory (default /run/youki)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.Bool("log-json", false, "Log in JSON format")
}

// loadConfig merges the optional config file with flag overrides and
// initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Root = root
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

func newEngine(cmd *cobra.Command) (*container.Engine, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.NewDirStore(cfg.Root)
	if err != nil {
		return nil, nil, err
	}
	engine, err := container.NewEngine(container.Options{
		Store:       store,
		CgroupRoot:  cfg.CgroupRoot,
		SyncTimeout: cfg.SyncTimeout(),
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

// loadBundleSpec reads the OCI config.json from a bundle directory.
func loadBundleSpec(bundle string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle config: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse bundle config: %w", err)
	}
	return &spec, nil
}
