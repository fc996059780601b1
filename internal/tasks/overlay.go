package tasks

import (
	"fmt"
	"strings"

	"skylapse/internal/config"
)

// OverlayFrame is one frame's settings rendered by the debug overlay.
type OverlayFrame struct {
	ISO     int
	Shutter string
	EV      float64
	Lux     float64
	WBTemp  int
}

// Text renders the frame's one-line overlay label.
func (f OverlayFrame) Text() string {
	return fmt.Sprintf("ISO %d  %s  EV%+.1f  %dK  %.0flx",
		f.ISO, f.Shutter, f.EV, f.WBTemp, f.Lux)
}

// BuildOverlayFilter produces an ffmpeg drawtext chain that shows each
// frame its own capture settings: one drawtext per frame, enabled for
// exactly that frame index. Returns "" when the overlay is disabled or
// there are no frames.
func BuildOverlayFilter(frames []OverlayFrame, cfg *config.VideoDebug) string {
	if cfg == nil || !cfg.Enabled || len(frames) == 0 {
		return ""
	}

	fontSize := cfg.FontSize
	if fontSize <= 0 {
		fontSize = 24
	}

	var parts []string
	for i, frame := range frames {
		opts := []string{
			"text='" + escapeDrawtext(frame.Text()) + "'",
			fmt.Sprintf("fontsize=%d", fontSize),
			"fontcolor=white",
			overlayPosition(cfg.Position),
			fmt.Sprintf(`enable='eq(n\,%d)'`, i),
		}
		if cfg.Background {
			opts = append(opts, "box=1", "boxcolor=black@0.5", "boxborderw=8")
		}
		parts = append(parts, "drawtext="+strings.Join(opts, ":"))
	}
	return strings.Join(parts, ",")
}

func overlayPosition(position string) string {
	switch position {
	case "top-left":
		return "x=10:y=10"
	case "top-right":
		return "x=w-tw-10:y=10"
	case "bottom-left":
		return "x=10:y=h-th-10"
	default: // bottom-right
		return "x=w-tw-10:y=h-th-10"
	}
}

// escapeDrawtext escapes the characters drawtext treats specially inside
// a quoted text value.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\\\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}
