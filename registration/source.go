package registration

import (
	"context"
	"fmt"
	"path/filepath"
)

// FrameSource supplies scan frames by index.
type FrameSource interface {
	// Read returns the frames with indices from, from+step and so on, up to
	// and including to. Frames keep their source index.
	Read(ctx context.Context, from, to, step int) ([]Frame, error)
}

func checkRange(from, to, step int) error {
	if step < 1 {
		return fmt.Errorf("%w: step %d", ErrInvalidRange, step)
	}
	if from < 0 || to < from {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	return nil
}

// DirectorySource reads frames from per-index PCD files in a directory.
// Pattern is a fmt pattern with a single %d verb, such as "cloud_%d.pcd".
type DirectorySource struct {
	Dir     string
	Pattern string
}

// Read loads the requested frames from disk.
func (s *DirectorySource) Read(ctx context.Context, from, to, step int) ([]Frame, error) {
	if err := checkRange(from, to, step); err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, (to-from)/step+1)
	for i := from; i <= to; i += step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.Dir, fmt.Sprintf(s.Pattern, i))
		cloud, err := ReadPCDFile(path)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, Frame{Index: i, Cloud: cloud})
	}
	return frames, nil
}

// SliceSource serves frames from an in-memory slice of clouds, where the
// slice position is the frame index.
type SliceSource struct {
	Clouds []*PointCloud
}

// Read returns the requested frames. The returned frames share the
// underlying clouds; the pipeline never mutates clouds in place.
func (s *SliceSource) Read(ctx context.Context, from, to, step int) ([]Frame, error) {
	if err := checkRange(from, to, step); err != nil {
		return nil, err
	}
	if to >= len(s.Clouds) {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrFrameOutOfRange, to, len(s.Clouds))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, (to-from)/step+1)
	for i := from; i <= to; i += step {
		frames = append(frames, Frame{Index: i, Cloud: s.Clouds[i]})
	}
	return frames, nil
}
