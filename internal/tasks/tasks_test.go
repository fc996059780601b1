package tasks

import (
	"context"
	"os"
	"strings"
	"testing"

	"skylapse/internal/config"
)

func TestQualityPresetTable(t *testing.T) {
	cases := []struct {
		tier, quality string
		wantCRF       int
		wantPreset    string
	}{
		{"preview", "low", 28, "fast"},
		{"preview", "medium", 23, "medium"},
		{"preview", "high", 18, "medium"},
		{"archive", "low", 20, "medium"},
		{"archive", "medium", 16, "slow"},
		{"archive", "high", 12, "slow"},
		// Unknown quality falls to medium; unknown tier falls to preview.
		{"archive", "bogus", 16, "slow"},
		{"bogus", "medium", 23, "medium"},
	}
	for _, tc := range cases {
		p := presetFor(tc.tier, tc.quality)
		if p.crf != tc.wantCRF || p.preset != tc.wantPreset {
			t.Fatalf("presetFor(%s, %s) = %+v, want crf %d preset %s",
				tc.tier, tc.quality, p, tc.wantCRF, tc.wantPreset)
		}
	}
}

func TestWriteConcatListEscapesAndOrders(t *testing.T) {
	frames := []string{
		"/data/frames/capture_0001.jpg",
		"/data/frames/o'clock.jpg",
		"/data/frames/capture_0002.jpg",
	}
	path, err := writeConcatList(frames)
	if err != nil {
		t.Fatalf("writeConcatList: %v", err)
	}
	defer os.Remove(path)

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d", len(lines))
	}
	if lines[0] != "file '/data/frames/capture_0001.jpg'" {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], `'\''`) {
		t.Fatalf("quote not escaped: %q", lines[1])
	}
	// Order on the list is encode order, not collation order.
	if !strings.Contains(lines[2], "capture_0002") {
		t.Fatalf("order lost: %q", lines[2])
	}
}

func TestEncodeRejectsEmptyFrameList(t *testing.T) {
	if _, err := Encode(context.Background(), EncodeRequest{Output: "/tmp/out.mp4"}); err == nil {
		t.Fatalf("expected error for no frames")
	}
}

func TestFuseBracketsValidatesInputs(t *testing.T) {
	if _, err := FuseBrackets(context.Background(), []string{"one.jpg"}, "one.jpg"); err == nil {
		t.Fatalf("expected error for single frame")
	}
	missing := []string{"/nonexistent/a.jpg", "/nonexistent/b.jpg"}
	if _, err := FuseBrackets(context.Background(), missing, missing[0]); err == nil {
		t.Fatalf("expected error for missing frames")
	}
}

func TestOverlayFrameText(t *testing.T) {
	f := OverlayFrame{ISO: 200, Shutter: "1/500", EV: 0.3, Lux: 12500, WBTemp: 5200}
	got := f.Text()
	want := "ISO 200  1/500  EV+0.3  5200K  12500lx"
	if got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}

	neg := OverlayFrame{ISO: 800, Shutter: "2s", EV: -1.0, Lux: 3, WBTemp: 3800}
	if !strings.Contains(neg.Text(), "EV-1.0") {
		t.Fatalf("negative ev rendering: %q", neg.Text())
	}
}

func TestBuildOverlayFilterDisabled(t *testing.T) {
	frames := []OverlayFrame{{ISO: 100, Shutter: "1/125"}}
	if got := BuildOverlayFilter(frames, nil); got != "" {
		t.Fatalf("nil config produced %q", got)
	}
	if got := BuildOverlayFilter(frames, &config.VideoDebug{Enabled: false}); got != "" {
		t.Fatalf("disabled config produced %q", got)
	}
	if got := BuildOverlayFilter(nil, &config.VideoDebug{Enabled: true}); got != "" {
		t.Fatalf("no frames produced %q", got)
	}
}

func TestBuildOverlayFilterPerFrame(t *testing.T) {
	frames := []OverlayFrame{
		{ISO: 100, Shutter: "1/500", WBTemp: 5500},
		{ISO: 200, Shutter: "1/250", WBTemp: 5300},
	}
	cfg := &config.VideoDebug{Enabled: true, FontSize: 32, Position: "top-left", Background: true}
	filter := BuildOverlayFilter(frames, cfg)

	if strings.Count(filter, "drawtext=") != 2 {
		t.Fatalf("drawtext count in %q", filter)
	}
	if !strings.Contains(filter, `enable='eq(n\,0)'`) || !strings.Contains(filter, `enable='eq(n\,1)'`) {
		t.Fatalf("frame gating missing: %q", filter)
	}
	if !strings.Contains(filter, "fontsize=32") {
		t.Fatalf("font size missing: %q", filter)
	}
	if !strings.Contains(filter, "x=10:y=10") {
		t.Fatalf("position missing: %q", filter)
	}
	if !strings.Contains(filter, "box=1") || !strings.Contains(filter, "boxcolor=black@0.5") {
		t.Fatalf("background missing: %q", filter)
	}
}

func TestBuildOverlayFilterDefaultPosition(t *testing.T) {
	frames := []OverlayFrame{{ISO: 100, Shutter: "1/125"}}
	cfg := &config.VideoDebug{Enabled: true}
	filter := BuildOverlayFilter(frames, cfg)
	if !strings.Contains(filter, "x=w-tw-10:y=h-th-10") {
		t.Fatalf("default position missing: %q", filter)
	}
	if !strings.Contains(filter, "fontsize=24") {
		t.Fatalf("default font size missing: %q", filter)
	}
	if strings.Contains(filter, "box=1") {
		t.Fatalf("background leaked into %q", filter)
	}
}

func TestEscapeDrawtext(t *testing.T) {
	if got := escapeDrawtext("a:b"); got != `a\:b` {
		t.Fatalf("colon escape = %q", got)
	}
	if got := escapeDrawtext("100%"); got != `100\%` {
		t.Fatalf("percent escape = %q", got)
	}
}

func TestStackGroupsPassThrough(t *testing.T) {
	frames := []string{"a.jpg", "b.jpg", "c.jpg"}
	out, err := StackGroups(frames, 1, func(int) string { return "" })
	if err != nil {
		t.Fatalf("StackGroups: %v", err)
	}
	if len(out) != 3 || out[0] != "a.jpg" {
		t.Fatalf("pass-through = %v", out)
	}
}
