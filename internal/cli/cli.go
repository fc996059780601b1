// Package cli wires the skylapse subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skylapse/internal/camera"
	"skylapse/internal/clock"
	"skylapse/internal/config"
	"skylapse/internal/exposure"
	"skylapse/internal/ledger"
	"skylapse/internal/logging"
	"skylapse/internal/queue"
	"skylapse/internal/scheduler"
	"skylapse/internal/server"
	"skylapse/internal/solar"
	"skylapse/internal/tasks"
	"skylapse/internal/worker"
)

// Root carries state shared by every subcommand.
type Root struct {
	cfgPath string
}

// NewRootCmd builds the skylapse command tree.
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "skylapse",
		Short: "Skylapse captures solar-anchored mountain timelapses",
		Long: `Skylapse runs adaptive capture schedules against a camera adapter,
records every frame in a session ledger and assembles finished
sessions into timelapse videos.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&root.cfgPath, "config", "c", "",
		"config file path (default $SKYLAPSE_CONFIG or ~/.config/skylapse/config.json)")

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWorkerCmd(root))
	rootCmd.AddCommand(newValidateCmd(root))
	rootCmd.AddCommand(newGenerateCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture scheduler and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runServe(port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8082, "status API port")
	return cmd
}

func newWorkerCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the timelapse job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runWorker()
		},
	}
}

func (r *Root) runServe(port int) error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg).Err(); err != nil {
		return err
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	sol, err := solar.NewCalculator(cfg.Location)
	if err != nil {
		return err
	}
	clk, err := clock.NewReal(cfg.Location.Timezone)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	jobs, err := queue.Open(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer jobs.Close()

	cam := camera.New(cfg.Pi.BaseURL(), time.Duration(cfg.Pi.Timeout())*time.Second)
	planner := exposure.NewPlanner(cam, store, sol.Elevation, log)
	hub := server.NewHub(log)
	sched := scheduler.New(cfg, clk, sol, store, jobs, cam, planner, log, hub)
	srv := server.New(port, cfg, store, jobs, sched, cam, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := r.resolvedConfigPath(); path != "" {
		watcher, err := config.NewWatcher(path, log)
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				for changed := range watcher.Changed {
					next, err := config.Load(changed)
					if err != nil {
						log.Error("changed config unreadable", "error", err)
						continue
					}
					if err := config.Validate(next).Err(); err != nil {
						log.Error("changed config invalid", "error", err)
						continue
					}
					log.Warn("config changed and validates, restart to apply")
				}
			}()
		}
	}

	go sched.Run(ctx)
	return srv.Start(ctx)
}

func (r *Root) runWorker() error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg).Err(); err != nil {
		return err
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	if err := tasks.CheckTool(tasks.ToolFFmpeg); err != nil {
		return err
	}
	if err := tasks.CheckTool(tasks.ToolEnfuse); err != nil {
		log.Warn("enfuse missing, HDR fusion disabled", "error", err)
	}

	store, err := ledger.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	jobs, err := queue.Open(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer jobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = worker.New(cfg, store, jobs, log).Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// resolvedConfigPath mirrors the Load lookup order, returning the path
// the watcher should observe. Empty when the default file is absent.
func (r *Root) resolvedConfigPath() string {
	path := r.cfgPath
	if path == "" {
		path = os.Getenv("SKYLAPSE_CONFIG")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, ".config", "skylapse", "config.json")
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
