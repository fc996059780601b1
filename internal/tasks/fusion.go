package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FuseBrackets merges one exposure bracket set into a single frame via
// enfuse (Mertens exposure fusion, all weights equal). The fused frame
// lands next to the base frame as {base}_hdr.jpg and its path is
// returned. Inputs must be in bracket order.
func FuseBrackets(ctx context.Context, inputs []string, baseFrame string) (string, error) {
	if len(inputs) < 2 {
		return "", fmt.Errorf("bracket fusion needs at least 2 frames, got %d", len(inputs))
	}
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return "", fmt.Errorf("bracket frame missing: %w", err)
		}
	}

	output := strings.TrimSuffix(baseFrame, filepath.Ext(baseFrame)) + "_hdr.jpg"

	args := []string{
		"--output=" + output,
		"--exposure-weight=1.0",
		"--saturation-weight=1.0",
		"--contrast-weight=1.0",
		"--soft-mask",
	}
	args = append(args, inputs...)

	cmd := exec.CommandContext(ctx, ToolEnfuse, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("enfuse: %w (%s)", err, tail(string(out), 1000))
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("enfuse produced no output: %w", err)
	}
	return output, nil
}
