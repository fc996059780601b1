// Package worker consumes timelapse jobs: it fuses outstanding HDR
// bracket sets, assembles the session's frame list from the ledger and
// encodes the final video. Jobs are at-least-once, so every step is
// idempotent or guarded by a ledger check.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"skylapse/internal/config"
	"skylapse/internal/ledger"
	"skylapse/internal/queue"
	"skylapse/internal/tasks"
)

// maxAttempts bounds redelivery of a failing job before it is parked.
const maxAttempts = 3

// Worker is the job-queue consumer.
type Worker struct {
	cfg   *config.Config
	store *ledger.Store
	jobs  *queue.Queue
	log   *slog.Logger
}

// New wires a Worker.
func New(cfg *config.Config, store *ledger.Store, jobs *queue.Queue, log *slog.Logger) *Worker {
	return &Worker{cfg: cfg, store: store, jobs: jobs, log: log}
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "queue", queue.TimelapseQueue)
	for {
		job, err := w.jobs.Dequeue(ctx, queue.TimelapseQueue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log.Info("worker stopped")
				return err
			}
			w.log.Error("dequeue failed", "error", err)
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, job.Payload.Timeout())
		err = w.process(jobCtx, job)
		cancel()

		switch {
		case err == nil:
			if err := w.jobs.Ack(job.ID); err != nil {
				w.log.Error("ack failed", "job_id", job.ID, "error", err)
			}
		case job.Attempts >= maxAttempts:
			w.log.Error("job failed permanently",
				"job_id", job.ID, "attempts", job.Attempts, "error", err)
			if err := w.jobs.Fail(job.ID, err.Error()); err != nil {
				w.log.Error("fail-mark failed", "job_id", job.ID, "error", err)
			}
		default:
			w.log.Warn("job failed, will retry",
				"job_id", job.ID, "attempts", job.Attempts, "error", err)
			if err := w.jobs.Nack(job.ID, err.Error()); err != nil {
				w.log.Error("nack failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// process runs one timelapse job end to end.
func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	p := job.Payload
	tier := p.Tier()
	log := w.log.With("job_id", job.ID, "session_id", p.SessionID, "tier", tier)

	// A repeat delivery for an already-produced video is a success.
	exists, err := w.store.TimelapseExists(p.SessionID, tier)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		log.Info("timelapse already exists, skipping")
		return nil
	}

	session, err := w.store.GetSession(p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	// An empty session produces no video but is not a failure; retrying
	// will never make frames appear.
	if session.ImageCount == 0 {
		log.Warn("session has no captures, nothing to encode")
		return nil
	}

	useFused := w.cfg.Processing.UseFused()
	if useFused {
		w.fuseOutstanding(ctx, p.SessionID, p.Profile, log)
	}

	frames, overlayFrames, err := w.frameList(p.SessionID, p.Profile, useFused)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		log.Warn("session yielded no encodable frames, nothing to encode")
		return nil
	}

	sched, hasSched := w.cfg.Schedules[p.Schedule]
	if hasSched && sched.StackImages && sched.StackCount > 1 {
		frames, err = w.stackFrames(p.SessionID, frames, sched.StackCount)
		if err != nil {
			return err
		}
		overlayFrames = nil // stacked frames no longer map 1:1 to captures
	}

	filter := w.filterChain(p.Profile, sched, hasSched, overlayFrames)

	output := w.outputPath(p, tier)

	req := tasks.EncodeRequest{
		Frames:      frames,
		Output:      output,
		FPS:         w.cfg.Processing.VideoFPS,
		Codec:       w.cfg.Processing.VideoCodec,
		Quality:     p.Quality,
		QualityTier: tier,
		FilterChain: filter,
	}
	if p.Quality == "" {
		req.CRF = w.cfg.Processing.VideoQuality
	}

	result, err := tasks.Encode(ctx, req)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if _, err := tasks.Thumbnail(ctx, output); err != nil {
		log.Warn("thumbnail generation failed", "error", err)
	}

	if _, err := w.store.RecordTimelapse(ledger.Timelapse{
		SessionID:   p.SessionID,
		Filename:    filepath.Base(output),
		FilePath:    output,
		SizeMB:      result.SizeMB,
		FrameCount:  result.FrameCount,
		FPS:         req.FPS,
		Quality:     p.Quality,
		QualityTier: tier,
		Profile:     p.Profile,
		Schedule:    p.Schedule,
		Date:        p.Date,
	}); err != nil {
		return fmt.Errorf("record timelapse: %w", err)
	}

	if tier == ledger.TierPreview {
		if err := w.store.MarkTimelapseGenerated(p.SessionID); err != nil {
			log.Warn("status update failed", "error", err)
		}
	}

	if w.cfg.Processing.DeleteBracketSources {
		w.deleteFusedSources(p.SessionID, p.Profile, log)
	}

	log.Info("timelapse complete", "output", output,
		"frames", result.FrameCount, "size_mb", fmt.Sprintf("%.1f", result.SizeMB))
	return nil
}

// fuseOutstanding merges every bracket set that has no fused result yet.
// Per-group failures are logged and skipped; the encode falls back to
// the group's base frame.
func (w *Worker) fuseOutstanding(ctx context.Context, sessionID, profile string, log *slog.Logger) {
	groups, err := w.store.UnfusedBracketGroups(sessionID)
	if err != nil {
		log.Error("list bracket groups failed", "error", err)
		return
	}
	for _, group := range groups {
		inputs := make([]string, 0, len(group.Captures))
		var sourceIDs []int64
		var ts time.Time
		for _, c := range group.Captures {
			inputs = append(inputs, w.framePath(profile, c.Filename))
			sourceIDs = append(sourceIDs, c.ID)
			ts = c.Timestamp
		}

		fused, err := tasks.FuseBrackets(ctx, inputs, inputs[0])
		if err != nil {
			log.Warn("bracket fusion failed", "timestamp", ts, "error", err)
			continue
		}
		if _, err := w.store.InsertHDRResult(sessionID, filepath.Base(fused), ts, sourceIDs); err != nil {
			log.Error("record fused frame failed", "timestamp", ts, "error", err)
			continue
		}
		log.Info("fused bracket set", "frames", len(inputs), "output", filepath.Base(fused))
	}
}

// frameList selects the session's encodable frames in capture order.
// With fusion enabled, fused results replace their source brackets and
// a still-unfused group contributes only its base (offset 0) frame.
// With fusion disabled every original bracket frame is encoded.
// Every selected file must exist on disk; a missing frame fails the job
// rather than producing a video with silent gaps.
func (w *Worker) frameList(sessionID, profile string, useFused bool) ([]string, []tasks.OverlayFrame, error) {
	captures, err := w.store.CapturesForSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load captures: %w", err)
	}

	var frames []string
	var overlay []tasks.OverlayFrame
	for _, c := range captures {
		switch {
		case c.IsHDRResult:
			if !useFused {
				continue
			}
		case c.IsBracket && useFused:
			if c.HDRResultID != nil {
				continue
			}
			if c.BracketEVOffset != 0 {
				continue
			}
		}

		path := w.framePath(profile, c.Filename)
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("frame missing on disk: %s", path)
		}
		frames = append(frames, path)
		overlay = append(overlay, tasks.OverlayFrame{
			ISO:     c.Settings.ISO,
			Shutter: c.Settings.Shutter,
			EV:      c.Settings.EV,
			Lux:     c.Settings.Lux,
			WBTemp:  c.Settings.WBTemp,
		})
	}
	return frames, overlay, nil
}

func (w *Worker) stackFrames(sessionID string, frames []string, groupSize int) ([]string, error) {
	stackDir := filepath.Join(os.TempDir(), "skylapse-stack-"+sessionID)
	if err := os.MkdirAll(stackDir, 0o755); err != nil {
		return nil, err
	}
	return tasks.StackGroups(frames, groupSize, func(group int) string {
		return filepath.Join(stackDir, fmt.Sprintf("stack_%04d.jpg", group))
	})
}

// filterChain joins the debug overlay with the profile's own video
// filters into one -vf value.
func (w *Worker) filterChain(profile string, sched config.Schedule, hasSched bool, overlayFrames []tasks.OverlayFrame) string {
	var parts []string
	if hasSched {
		if f := tasks.BuildOverlayFilter(overlayFrames, sched.VideoDebug); f != "" {
			parts = append(parts, f)
		}
	}
	if prof, ok := w.cfg.Profiles[profile]; ok && prof.VideoFilters != "" {
		parts = append(parts, prof.VideoFilters)
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

// deleteFusedSources removes bracket source files whose fused result is
// recorded. The ledger rows stay; only the disk space is reclaimed.
func (w *Worker) deleteFusedSources(sessionID, profile string, log *slog.Logger) {
	captures, err := w.store.CapturesForSession(sessionID)
	if err != nil {
		log.Error("load captures for cleanup failed", "error", err)
		return
	}
	for _, c := range captures {
		if !c.IsBracket || c.HDRResultID == nil {
			continue
		}
		path := w.framePath(profile, c.Filename)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("delete bracket source failed", "path", path, "error", err)
		}
	}
}

func (w *Worker) framePath(profile, filename string) string {
	return filepath.Join(w.cfg.Storage.ImagesDir, "profile-"+profile, filename)
}

// outputPath is {videos_dir}/profile-{id}_{schedule}_{date}.mp4; archive
// renders carry an _archive suffix, previews none.
func (w *Worker) outputPath(p queue.Payload, tier string) string {
	name := fmt.Sprintf("profile-%s_%s_%s", p.Profile, p.Schedule, p.Date)
	if tier != ledger.TierPreview {
		name += "_" + tier
	}
	return filepath.Join(w.cfg.Storage.VideosDir, name+".mp4")
}
