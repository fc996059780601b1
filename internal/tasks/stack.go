package tasks

import (
	"fmt"
	"log/slog"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// StackMean averages a group of frames into one output frame using the
// ImageMagick bindings, running 50% blends to build the mean without
// holding every frame in memory at once. Used by schedules that stack
// consecutive frames for noise reduction before encoding.
func StackMean(images []string, output string) error {
	if len(images) == 0 {
		return fmt.Errorf("no images to stack")
	}

	imagick.Initialize()
	defer imagick.Terminate()

	result := imagick.NewMagickWand()
	defer result.Destroy()

	if err := result.ReadImage(images[0]); err != nil {
		return fmt.Errorf("read %s: %w", images[0], err)
	}
	if err := result.SetImageDepth(16); err != nil {
		return fmt.Errorf("set depth: %w", err)
	}
	if len(images) == 1 {
		return result.WriteImage(output)
	}

	for i := 1; i < len(images); i++ {
		next := imagick.NewMagickWand()
		if err := next.ReadImage(images[i]); err != nil {
			next.Destroy()
			return fmt.Errorf("read %s: %w", images[i], err)
		}
		if err := next.SetImageDepth(16); err != nil {
			next.Destroy()
			return fmt.Errorf("set depth %s: %w", images[i], err)
		}
		if err := result.SetImageArtifact("compose:args", "50.0"); err != nil {
			slog.Default().Warn("blend args rejected", "image", images[i], "error", err)
		}
		if err := result.CompositeImage(next, imagick.COMPOSITE_OP_BLEND, true, 0, 0); err != nil {
			next.Destroy()
			return fmt.Errorf("blend %s: %w", images[i], err)
		}
		next.Destroy()
	}

	if err := result.WriteImage(output); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	return nil
}

// StackGroups splits frames into runs of groupSize and stacks each run
// into its own output frame. The final short run is stacked as-is.
// Returns the stacked frame paths in order.
func StackGroups(frames []string, groupSize int, outputFor func(group int) string) ([]string, error) {
	if groupSize <= 1 {
		return frames, nil
	}
	var out []string
	for g := 0; g*groupSize < len(frames); g++ {
		lo := g * groupSize
		hi := lo + groupSize
		if hi > len(frames) {
			hi = len(frames)
		}
		dest := outputFor(g)
		if err := StackMean(frames[lo:hi], dest); err != nil {
			return nil, fmt.Errorf("stack group %d: %w", g, err)
		}
		out = append(out, dest)
	}
	return out, nil
}
