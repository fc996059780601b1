// Package tasks wraps the external processing tools (ffmpeg, enfuse,
// ImageMagick) behind request/result types the worker drives.
package tasks

import (
	"fmt"
	"os/exec"
)

// External tool binaries.
const (
	ToolFFmpeg = "ffmpeg"
	ToolEnfuse = "enfuse"
)

// CheckTool reports whether the named binary is on PATH.
func CheckTool(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", name, err)
	}
	return nil
}

// CheckTools verifies every named binary, returning the first failure.
func CheckTools(names ...string) error {
	for _, name := range names {
		if err := CheckTool(name); err != nil {
			return err
		}
	}
	return nil
}
