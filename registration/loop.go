package registration

import "fmt"

// Loop is one stretch of the scan bounded by two edge frames. Edges are
// shared between neighboring loops: each loop's end frame is the next
// loop's start frame. Edge fields are filled during preparation, inner
// fields during processing.
type Loop struct {
	Start int // Frame index of the opening edge
	End   int // Frame index of the closing edge

	EdgeFrames     [2]Frame      // Filtered edge frames in source coordinates
	EdgeTransforms [2]Transform  // Combined transforms of the two edges
	EdgeKeypoints  KeypointsFrame // Opening edge keypoints in source coordinates

	InnerTransforms []Transform // Combined transform per inner frame
	InnerFitness    []float64   // Fine alignment fitness per inner frame
}

// NewLoop returns a loop over [start, end]. Loops must span at least one
// frame step.
func NewLoop(start, end int) (Loop, error) {
	if end <= start {
		return Loop{}, fmt.Errorf("%w: [%d, %d]", ErrZeroSpanLoop, start, end)
	}
	return Loop{Start: start, End: end}, nil
}

// Span returns the number of frame indices the loop covers.
func (l Loop) Span() int {
	return l.End - l.Start
}

// Processed reports whether the loop has been through inner alignment.
func (l Loop) Processed() bool {
	return len(l.InnerTransforms) > 0
}

// BuildLoops turns a strictly increasing edge index list into loops, one
// per consecutive edge pair.
func BuildLoops(edges []int) ([]Loop, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: %d edges", ErrNoLoops, len(edges))
	}
	loops := make([]Loop, 0, len(edges)-1)
	for i := 1; i < len(edges); i++ {
		loop, err := NewLoop(edges[i-1], edges[i])
		if err != nil {
			return nil, err
		}
		loops = append(loops, loop)
	}
	return loops, nil
}
