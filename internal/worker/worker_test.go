package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skylapse/internal/config"
	"skylapse/internal/exposure"
	"skylapse/internal/ledger"
	"skylapse/internal/queue"
	"skylapse/internal/tasks"
)

var testDay = time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)

type workerFixture struct {
	w     *Worker
	store *ledger.Store
	cfg   *config.Config
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Profiles: map[string]config.Profile{
			"a": {Name: "Test", Enabled: true},
		},
		Schedules: map[string]config.Schedule{
			"sunrise": {Type: config.ScheduleSolarRelative, Enabled: true},
		},
		Storage: config.Storage{
			ImagesDir: filepath.Join(dir, "images"),
			VideosDir: filepath.Join(dir, "videos"),
		},
		Processing: config.Processing{Quality: "medium"},
	}

	store, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &workerFixture{
		w:     New(cfg, store, nil, log),
		store: store,
		cfg:   cfg,
	}
}

// writeFrame places a frame file where framePath will look for it and
// returns the expected absolute path.
func (f *workerFixture) writeFrame(t *testing.T, profile, filename string) string {
	t.Helper()
	dir := filepath.Join(f.cfg.Storage.ImagesDir, "profile-"+profile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

func (f *workerFixture) recordFrame(t *testing.T, sessionID, filename string, ts time.Time) int64 {
	t.Helper()
	id, err := f.store.RecordCapture(ledger.Capture{
		SessionID: sessionID,
		Timestamp: ts,
		Filename:  filename,
		Settings:  exposure.Settings{ISO: 100, Shutter: "1/500", Lux: 20000, WBTemp: 5500},
	})
	if err != nil {
		t.Fatalf("record capture: %v", err)
	}
	return id
}

func (f *workerFixture) recordBracketSet(t *testing.T, sessionID string, ts time.Time, prefix string) []int64 {
	t.Helper()
	var ids []int64
	for i, offset := range []float64{-1, 0, 1} {
		id, err := f.store.RecordCapture(ledger.Capture{
			SessionID:       sessionID,
			Timestamp:       ts,
			Filename:        prefix + []string{"_under.jpg", "_base.jpg", "_over.jpg"}[i],
			Settings:        exposure.Settings{ISO: 100, Shutter: "1/500", EV: offset},
			IsBracket:       true,
			BracketIndex:    i,
			BracketEVOffset: offset,
		})
		if err != nil {
			t.Fatalf("record bracket: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestProcessSkipsExistingTimelapse(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, err := f.store.GetOrCreateSession("a", testDay, "sunrise")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := f.store.RecordTimelapse(ledger.Timelapse{
		SessionID:   sessionID,
		Filename:    "profile-a_sunrise_2026-08-24.mp4",
		QualityTier: ledger.TierPreview,
	}); err != nil {
		t.Fatalf("record timelapse: %v", err)
	}

	job := &queue.Job{ID: 1, Payload: queue.Payload{
		Profile:     "a",
		Schedule:    "sunrise",
		SessionID:   sessionID,
		QualityTier: ledger.TierPreview,
	}}
	// Returns nil before touching frames or ffmpeg.
	if err := f.w.process(context.Background(), job); err != nil {
		t.Fatalf("repeat delivery not treated as success: %v", err)
	}
}

// An empty session is acked as a no-op, not retried to failure.
func TestProcessEmptySessionIsNoOp(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, err := f.store.GetOrCreateSession("a", testDay, "sunrise")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	job := &queue.Job{ID: 1, Payload: queue.Payload{
		Profile: "a", Schedule: "sunrise", SessionID: sessionID,
	}}
	if err := f.w.process(context.Background(), job); err != nil {
		t.Fatalf("empty session treated as failure: %v", err)
	}
	if exists, _ := f.store.TimelapseExists(sessionID, ledger.TierPreview); exists {
		t.Fatalf("no-op recorded a timelapse")
	}
}

func TestFrameListFusedReplacesBrackets(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, _ := f.store.GetOrCreateSession("a", testDay, "sunrise")

	f.recordFrame(t, sessionID, "plain.jpg", testDay)
	ids := f.recordBracketSet(t, sessionID, testDay.Add(time.Minute), "b1")
	if _, err := f.store.InsertHDRResult(sessionID, "b1_hdr.jpg", testDay.Add(time.Minute), ids); err != nil {
		t.Fatalf("insert hdr: %v", err)
	}

	for _, name := range []string{"plain.jpg", "b1_hdr.jpg"} {
		f.writeFrame(t, "a", name)
	}

	frames, overlay, err := f.w.frameList(sessionID, "a", true)
	if err != nil {
		t.Fatalf("frameList: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %v, want plain + fused", frames)
	}
	if filepath.Base(frames[1]) != "b1_hdr.jpg" {
		t.Fatalf("fused frame not selected: %v", frames)
	}
	if len(overlay) != len(frames) {
		t.Fatalf("overlay/frame mismatch: %d vs %d", len(overlay), len(frames))
	}
}

func TestFrameListUnfusedGroupFallsBackToBase(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, _ := f.store.GetOrCreateSession("a", testDay, "sunrise")
	f.recordBracketSet(t, sessionID, testDay, "b1")
	f.writeFrame(t, "a", "b1_base.jpg")

	frames, _, err := f.w.frameList(sessionID, "a", true)
	if err != nil {
		t.Fatalf("frameList: %v", err)
	}
	if len(frames) != 1 || filepath.Base(frames[0]) != "b1_base.jpg" {
		t.Fatalf("frames = %v, want base frame only", frames)
	}
}

func TestFrameListFusionDisabledUsesOriginals(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, _ := f.store.GetOrCreateSession("a", testDay, "sunrise")

	ids := f.recordBracketSet(t, sessionID, testDay, "b1")
	if _, err := f.store.InsertHDRResult(sessionID, "b1_hdr.jpg", testDay, ids); err != nil {
		t.Fatalf("insert hdr: %v", err)
	}
	for _, name := range []string{"b1_under.jpg", "b1_base.jpg", "b1_over.jpg"} {
		f.writeFrame(t, "a", name)
	}

	// With fusion off, every original bracket frame is encoded and the
	// HDR row is ignored even though it exists.
	frames, _, err := f.w.frameList(sessionID, "a", false)
	if err != nil {
		t.Fatalf("frameList: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %v, want all 3 originals", frames)
	}
	want := []string{"b1_under.jpg", "b1_base.jpg", "b1_over.jpg"}
	for i, frame := range frames {
		if filepath.Base(frame) != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, frame, want[i])
		}
	}
}

func TestOutputPathNaming(t *testing.T) {
	f := newWorkerFixture(t)
	p := queue.Payload{Profile: "a", Schedule: "daytime", Date: "2026-08-24"}

	preview := f.w.outputPath(p, ledger.TierPreview)
	if filepath.Base(preview) != "profile-a_daytime_2026-08-24.mp4" {
		t.Fatalf("preview output = %s", preview)
	}
	archive := f.w.outputPath(p, ledger.TierArchive)
	if filepath.Base(archive) != "profile-a_daytime_2026-08-24_archive.mp4" {
		t.Fatalf("archive output = %s", archive)
	}
	if filepath.Dir(preview) != f.cfg.Storage.VideosDir {
		t.Fatalf("output outside videos dir: %s", preview)
	}
}

func TestFrameListFailsOnMissingFile(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, _ := f.store.GetOrCreateSession("a", testDay, "sunrise")
	f.recordFrame(t, sessionID, "gone.jpg", testDay)

	_, _, err := f.w.frameList(sessionID, "a", false)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v, want missing-frame error", err)
	}
}

func TestFilterChainJoinsOverlayAndProfileFilters(t *testing.T) {
	f := newWorkerFixture(t)
	f.cfg.Profiles["a"] = config.Profile{
		Name:         "Test",
		Enabled:      true,
		VideoFilters: "eq=saturation=1.1",
	}
	sched := config.Schedule{
		VideoDebug: &config.VideoDebug{Enabled: true},
	}
	overlay := []tasks.OverlayFrame{{ISO: 100, Shutter: "1/500"}}

	got := f.w.filterChain("a", sched, true, overlay)
	if !strings.HasPrefix(got, "drawtext=") {
		t.Fatalf("overlay not first: %q", got)
	}
	if !strings.HasSuffix(got, ",eq=saturation=1.1") {
		t.Fatalf("profile filters not appended: %q", got)
	}

	// Either part alone stands on its own, with no stray comma.
	if got := f.w.filterChain("a", config.Schedule{}, true, overlay); got != "eq=saturation=1.1" {
		t.Fatalf("profile-only chain = %q", got)
	}
	f.cfg.Profiles["a"] = config.Profile{Name: "Test", Enabled: true}
	if got := f.w.filterChain("a", sched, true, overlay); !strings.HasPrefix(got, "drawtext=") || strings.Contains(got, ",") {
		t.Fatalf("overlay-only chain = %q", got)
	}
	if got := f.w.filterChain("a", config.Schedule{}, true, nil); got != "" {
		t.Fatalf("empty chain = %q", got)
	}
}

func TestDeleteFusedSourcesKeepsUnfused(t *testing.T) {
	f := newWorkerFixture(t)
	sessionID, _ := f.store.GetOrCreateSession("a", testDay, "sunrise")

	fusedIDs := f.recordBracketSet(t, sessionID, testDay, "b1")
	if _, err := f.store.InsertHDRResult(sessionID, "b1_hdr.jpg", testDay, fusedIDs); err != nil {
		t.Fatalf("insert hdr: %v", err)
	}
	f.recordBracketSet(t, sessionID, testDay.Add(time.Minute), "b2")

	var fusedPaths, keptPaths []string
	for _, name := range []string{"b1_under.jpg", "b1_base.jpg", "b1_over.jpg"} {
		fusedPaths = append(fusedPaths, f.writeFrame(t, "a", name))
	}
	for _, name := range []string{"b2_under.jpg", "b2_base.jpg", "b2_over.jpg", "b1_hdr.jpg"} {
		keptPaths = append(keptPaths, f.writeFrame(t, "a", name))
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f.w.deleteFusedSources(sessionID, "a", log)

	for _, p := range fusedPaths {
		if _, err := os.Stat(p); err == nil {
			t.Fatalf("fused source survived: %s", p)
		}
	}
	for _, p := range keptPaths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("unfused frame deleted: %s", p)
		}
	}
}
