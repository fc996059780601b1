package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"skylapse/internal/config"
	"skylapse/internal/fsutil"
	"skylapse/internal/ledger"
	"skylapse/internal/queue"
	"skylapse/internal/tasks"
)

func newValidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.cfgPath)
			if err != nil {
				return err
			}
			res := config.Validate(cfg)
			for _, w := range res.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			if err := res.Err(); err != nil {
				return err
			}
			fmt.Printf("configuration valid: %d profiles, %d schedules\n",
				len(cfg.Profiles), len(cfg.Schedules))
			return nil
		},
	}
}

func newGenerateCmd(root *Root) *cobra.Command {
	var (
		sessionID string
		tier      string
		inputDir  string
		output    string
		fps       int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a timelapse manually",
		Long: `Generate a timelapse outside the scheduler, either by enqueueing a job
for a recorded session (--session) or by encoding a directory of images
directly (--input).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case sessionID != "":
				return root.enqueueSession(sessionID, tier)
			case inputDir != "":
				return root.encodeDirectory(cmd.Context(), inputDir, output, fps)
			default:
				return fmt.Errorf("either --session or --input is required")
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to enqueue")
	cmd.Flags().StringVar(&tier, "tier", ledger.TierArchive, "quality tier (preview|archive)")
	cmd.Flags().StringVar(&inputDir, "input", "", "directory of images to encode directly")
	cmd.Flags().StringVar(&output, "output", "timelapse.mp4", "output path for --input mode")
	cmd.Flags().IntVar(&fps, "fps", 0, "frame rate for --input mode (default from config)")
	return cmd
}

// enqueueSession hands an existing session to the worker at the chosen
// tier. The worker's idempotency check makes re-runs harmless.
func (r *Root) enqueueSession(sessionID, tier string) error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}

	profile, date, schedule, err := parseSessionID(sessionID)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.GetSession(sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	jobs, err := queue.Open(cfg.Storage.QueuePath)
	if err != nil {
		return err
	}
	defer jobs.Close()

	id, err := jobs.Enqueue(queue.TimelapseQueue, queue.Payload{
		Profile:     profile,
		Schedule:    schedule,
		Date:        date,
		SessionID:   sessionID,
		Quality:     cfg.Processing.Quality,
		QualityTier: tier,
		JobTimeout:  cfg.Processing.JobTimeoutMins() * 60,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued job %d for session %s (%s tier)\n", id, sessionID, tier)
	return nil
}

// encodeDirectory is the no-ledger path: every image in the directory,
// sorted by name, becomes a frame.
func (r *Root) encodeDirectory(ctx context.Context, inputDir, output string, fps int) error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}
	if err := tasks.CheckTool(tasks.ToolFFmpeg); err != nil {
		return err
	}

	frames, err := fsutil.ListImages(inputDir)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no images found in %s", inputDir)
	}
	if fps <= 0 {
		fps = cfg.Processing.VideoFPS
	}

	result, err := tasks.Encode(ctx, tasks.EncodeRequest{
		Frames:      frames,
		Output:      output,
		FPS:         fps,
		Codec:       cfg.Processing.VideoCodec,
		Quality:     cfg.Processing.Quality,
		QualityTier: ledger.TierArchive,
	})
	if err != nil {
		return err
	}
	fmt.Printf("encoded %d frames to %s (%.1f MB)\n",
		result.FrameCount, result.Output, result.SizeMB)
	return nil
}

func newStatusCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent sessions and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.cfgPath)
			if err != nil {
				return err
			}

			store, err := ledger.Open(cfg.Storage.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions("", "", limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions recorded")
			}
			for _, s := range sessions {
				fmt.Printf("%-28s %-20s %5d frames", s.ID, s.Status, s.ImageCount)
				if s.LuxAvg != nil {
					fmt.Printf("  avg %.0flx", *s.LuxAvg)
				}
				fmt.Println()
			}

			jobs, err := queue.Open(cfg.Storage.QueuePath)
			if err != nil {
				return err
			}
			defer jobs.Close()
			stats, err := jobs.QueueStats(queue.TimelapseQueue)
			if err != nil {
				return err
			}
			fmt.Printf("\nqueue: %d pending, %d leased, %d done, %d failed\n",
				stats.Pending, stats.Leased, stats.Done, stats.Failed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max sessions to show")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.cfgPath)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := root.cfgPath
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				target = filepath.Join(home, ".config", "skylapse", "config.json")
			}
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}

			// Load with a missing file yields pure defaults.
			cfg, err := config.Load(target)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, append(out, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", target)
			return nil
		},
	})

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and tool availability",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skylapse v1.0.0-dev\n")
			fmt.Printf("built with Go %s\n", runtime.Version())
			for _, tool := range []string{tasks.ToolFFmpeg, tasks.ToolEnfuse} {
				status := "available"
				if err := tasks.CheckTool(tool); err != nil {
					status = "missing"
				}
				fmt.Printf("  %s: %s\n", tool, status)
			}
		},
	}
}

// parseSessionID splits {profile}_{YYYYMMDD}_{schedule} back into its
// parts. The schedule segment may itself contain underscores.
func parseSessionID(id string) (profile, date, schedule string, err error) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 || len(parts[1]) != 8 {
		return "", "", "", fmt.Errorf("malformed session id %q", id)
	}
	day, perr := time.Parse("20060102", parts[1])
	if perr != nil {
		return "", "", "", fmt.Errorf("malformed session id %q: %v", id, perr)
	}
	return parts[0], day.Format("2006-01-02"), parts[2], nil
}
