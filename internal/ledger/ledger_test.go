package ledger

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"skylapse/internal/exposure"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testDay = time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)

func TestSessionIDFormat(t *testing.T) {
	got := SessionID("a", testDay, "sunrise")
	if got != "a_20260824_sunrise" {
		t.Fatalf("session id = %q", got)
	}
}

func TestGetOrCreateSessionIdempotent(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.GetOrCreateSession("a", testDay, "sunrise")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id2, err := s.GetOrCreateSession("a", testDay, "sunrise")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %q vs %q", id1, id2)
	}

	sess, err := s.GetSession(id1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("new session status = %q, want active", sess.Status)
	}
	if sess.ImageCount != 0 {
		t.Fatalf("new session image count = %d", sess.ImageCount)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession("b_20260824_sunset"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")

	if err := s.MarkSessionComplete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sess, _ := s.GetSession(id)
	if sess.Status != StatusComplete {
		t.Fatalf("status = %q, want complete", sess.Status)
	}

	// Completing again is a no-op, not an error.
	if err := s.MarkSessionComplete(id); err != nil {
		t.Fatalf("re-complete: %v", err)
	}

	if err := s.MarkTimelapseGenerated(id); err != nil {
		t.Fatalf("generated: %v", err)
	}
	sess, _ = s.GetSession(id)
	if sess.Status != StatusTimelapseGenerated {
		t.Fatalf("status = %q, want timelapse_generated", sess.Status)
	}

	// A terminal session never reverts to complete.
	if err := s.MarkSessionComplete(id); err != nil {
		t.Fatalf("complete after terminal: %v", err)
	}
	sess, _ = s.GetSession(id)
	if sess.Status != StatusTimelapseGenerated {
		t.Fatalf("status regressed to %q", sess.Status)
	}
}

func TestWasActiveFlag(t *testing.T) {
	s := newTestStore(t)

	// Missing row defaults to false.
	was, err := s.GetWasActive("a", testDay, "sunrise")
	if err != nil || was {
		t.Fatalf("default was_active = %v, %v", was, err)
	}

	// Update on a missing row is silent.
	if err := s.UpdateWasActive("a", testDay, "sunrise", true); err != nil {
		t.Fatalf("update missing: %v", err)
	}

	if _, err := s.GetOrCreateSession("a", testDay, "sunrise"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateWasActive("a", testDay, "sunrise", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	was, err = s.GetWasActive("a", testDay, "sunrise")
	if err != nil || !was {
		t.Fatalf("was_active = %v, %v, want true", was, err)
	}

	if err := s.UpdateWasActive("a", testDay, "sunrise", false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	was, _ = s.GetWasActive("a", testDay, "sunrise")
	if was {
		t.Fatalf("was_active still set after clear")
	}
}

func captureAt(sessionID string, ts time.Time, iso int, lux float64, wb int) Capture {
	return Capture{
		SessionID: sessionID,
		Timestamp: ts,
		Filename:  ts.Format("capture_150405.jpg"),
		Settings: exposure.Settings{
			ISO:     iso,
			Shutter: "1/125",
			Lux:     lux,
			WBTemp:  wb,
		},
	}
}

func TestRecordCaptureUpdatesAggregates(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")

	base := testDay
	if _, err := s.RecordCapture(captureAt(id, base, 100, 100, 5000)); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if _, err := s.RecordCapture(captureAt(id, base.Add(30*time.Second), 200, 200, 5400)); err != nil {
		t.Fatalf("record 2: %v", err)
	}
	// No lux reading on this one: excluded from the running mean.
	if _, err := s.RecordCapture(captureAt(id, base.Add(60*time.Second), 400, 0, 4800)); err != nil {
		t.Fatalf("record 3: %v", err)
	}

	sess, err := s.GetSession(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.ImageCount != 3 {
		t.Fatalf("image_count = %d, want 3", sess.ImageCount)
	}
	if sess.LuxAvg == nil || math.Abs(*sess.LuxAvg-150) > 1e-9 {
		t.Fatalf("lux_avg = %v, want 150", sess.LuxAvg)
	}
	if *sess.LuxMin != 100 || *sess.LuxMax != 200 {
		t.Fatalf("lux extrema = [%v, %v], want [100, 200]", *sess.LuxMin, *sess.LuxMax)
	}
	if *sess.ISOMin != 100 || *sess.ISOMax != 400 {
		t.Fatalf("iso extrema = [%v, %v], want [100, 400]", *sess.ISOMin, *sess.ISOMax)
	}
	if *sess.WBMin != 4800 || *sess.WBMax != 5400 {
		t.Fatalf("wb extrema = [%v, %v], want [4800, 5400]", *sess.WBMin, *sess.WBMax)
	}
	if sess.StartTime == nil || !sess.StartTime.Equal(base) {
		t.Fatalf("start_time = %v, want %v", sess.StartTime, base)
	}
	if sess.EndTime == nil || !sess.EndTime.Equal(base.Add(60*time.Second)) {
		t.Fatalf("end_time = %v, want last capture", sess.EndTime)
	}
}

func TestRecordCaptureUnknownSessionRollsBack(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RecordCapture(captureAt("ghost_20260824_x", testDay, 100, 100, 5000)); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestCapturesForSessionOrdering(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")

	for i := 2; i >= 0; i-- {
		c := captureAt(id, testDay.Add(time.Duration(i)*time.Minute), 100, 100, 5000)
		if _, err := s.RecordCapture(c); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	captures, err := s.CapturesForSession(id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(captures) != 3 {
		t.Fatalf("count = %d", len(captures))
	}
	for i := 1; i < len(captures); i++ {
		if captures[i].Timestamp.Before(captures[i-1].Timestamp) {
			t.Fatalf("captures out of order")
		}
	}
}

func TestRecentSamplesWindowAndOrder(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")

	isos := []int{100, 200, 400, 800, 1600}
	for i, iso := range isos {
		c := captureAt(id, testDay.Add(time.Duration(i)*time.Minute), iso, 100, 5000)
		if _, err := s.RecordCapture(c); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	samples, err := s.RecentSamples(id, 3)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("sample count = %d, want 3", len(samples))
	}
	// Last three captures, ascending.
	want := []int{400, 800, 1600}
	for i, sample := range samples {
		if sample.ISO != want[i] {
			t.Fatalf("sample[%d].ISO = %d, want %d", i, sample.ISO, want[i])
		}
		if sample.ShutterSec != 1.0/125 {
			t.Fatalf("sample shutter = %v", sample.ShutterSec)
		}
	}
}

func recordBracketSet(t *testing.T, s *Store, id string, ts time.Time) []int64 {
	t.Helper()
	var ids []int64
	for i, off := range []float64{-1, 0, 1} {
		c := captureAt(id, ts, 100, 50, 4500)
		c.IsBracket = true
		c.BracketIndex = i
		c.BracketEVOffset = off
		c.Settings.BracketCount = 3
		rowID, err := s.RecordCapture(c)
		if err != nil {
			t.Fatalf("record bracket %d: %v", i, err)
		}
		ids = append(ids, rowID)
	}
	return ids
}

func TestBracketFusionLifecycle(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunset")

	srcA := recordBracketSet(t, s, id, testDay)
	srcB := recordBracketSet(t, s, id, testDay.Add(time.Minute))

	groups, err := s.UnfusedBracketGroups(id)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("group count = %d, want 2", len(groups))
	}
	if len(groups[0].Captures) != 3 {
		t.Fatalf("group size = %d, want 3", len(groups[0].Captures))
	}

	fusedID, err := s.InsertHDRResult(id, "capture_060000_hdr.jpg", testDay, srcA)
	if err != nil {
		t.Fatalf("insert hdr: %v", err)
	}

	// The first group is now fused and drops out; the second remains.
	groups, err = s.UnfusedBracketGroups(id)
	if err != nil {
		t.Fatalf("groups after fuse: %v", err)
	}
	if len(groups) != 1 || !groups[0].Timestamp.Equal(testDay.Add(time.Minute)) {
		t.Fatalf("unexpected unfused groups: %v", groups)
	}
	_ = srcB

	captures, err := s.CapturesForSession(id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var fused *Capture
	linked := 0
	for i := range captures {
		c := &captures[i]
		if c.ID == fusedID {
			fused = c
		}
		if c.HDRResultID != nil && *c.HDRResultID == fusedID {
			linked++
		}
	}
	if fused == nil || !fused.IsHDRResult {
		t.Fatalf("fused row missing or unmarked")
	}
	if len(fused.SourceBracketIDs) != 3 {
		t.Fatalf("source ids = %v", fused.SourceBracketIDs)
	}
	if linked != 3 {
		t.Fatalf("back-linked sources = %d, want 3", linked)
	}

	// The fused row counts as a capture in the session aggregates.
	sess, _ := s.GetSession(id)
	if sess.ImageCount != 7 {
		t.Fatalf("image_count = %d, want 7", sess.ImageCount)
	}
}

func TestInsertHDRResultRequiresSources(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunset")
	if _, err := s.InsertHDRResult(id, "x_hdr.jpg", testDay, nil); err == nil {
		t.Fatalf("expected error for empty source list")
	}
	if _, err := s.InsertHDRResult(id, "x_hdr.jpg", testDay, []int64{9999}); err == nil {
		t.Fatalf("expected error for unknown source id")
	}
}

func TestRecentSamplesExcludeFusedRows(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunset")

	src := recordBracketSet(t, s, id, testDay)
	if _, err := s.InsertHDRResult(id, "hdr.jpg", testDay, src); err != nil {
		t.Fatalf("insert hdr: %v", err)
	}

	samples, err := s.RecentSamples(id, 10)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("sample count = %d, want 3 (hdr row excluded)", len(samples))
	}
}

func TestTimelapseRecordAndFilters(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")

	exists, err := s.TimelapseExists(id, TierPreview)
	if err != nil || exists {
		t.Fatalf("exists before record = %v, %v", exists, err)
	}

	if _, err := s.RecordTimelapse(Timelapse{
		SessionID:   id,
		Filename:    "profile-a_sunrise_2026-08-24.mp4",
		FilePath:    "/videos/profile-a_sunrise_2026-08-24.mp4",
		SizeMB:      12.5,
		FrameCount:  240,
		FPS:         24,
		Quality:     "medium",
		QualityTier: TierPreview,
		Profile:     "a",
		Schedule:    "sunrise",
		Date:        "2026-08-24",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	exists, err = s.TimelapseExists(id, TierPreview)
	if err != nil || !exists {
		t.Fatalf("exists after record = %v, %v", exists, err)
	}
	if exists, _ := s.TimelapseExists(id, TierArchive); exists {
		t.Fatalf("archive tier must not exist")
	}

	videos, err := s.GetTimelapses(TimelapseFilter{Profile: "a", Tier: TierPreview})
	if err != nil || len(videos) != 1 {
		t.Fatalf("filter hit = %d, %v", len(videos), err)
	}
	if videos[0].FrameCount != 240 || videos[0].FPS != 24 {
		t.Fatalf("round trip mismatch: %+v", videos[0])
	}
	if none, _ := s.GetTimelapses(TimelapseFilter{Profile: "b"}); len(none) != 0 {
		t.Fatalf("wrong-profile filter returned %d rows", len(none))
	}
}

func TestSchemaReopenAndMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, _ := s.GetOrCreateSession("a", testDay, "sunrise")
	if _, err := s.RecordCapture(captureAt(id, testDay, 100, 100, 5000)); err != nil {
		t.Fatalf("record: %v", err)
	}
	s.Close()

	// Reopen runs ensureSchema and the column migrations again.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	sess, err := s2.GetSession(id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if sess.ImageCount != 1 {
		t.Fatalf("data lost across reopen: %+v", sess)
	}
}
