package registration

import "errors"

// Pipeline errors fall into two families, both fatal: configuration errors
// (a contradiction between the configuration and the frame sequence) and
// collaborator errors (an external source, aligner, correction pass or sink
// failed). Neither is retried; the driver aborts before aggregation.

var (
	// ErrZeroSpanLoop is returned when a loop is constructed with a
	// non-positive span.
	ErrZeroSpanLoop = errors.New("loop with zero span is invalid")

	// ErrEdgeCountMismatch is returned when the edge and loop counts
	// disagree after loop construction.
	ErrEdgeCountMismatch = errors.New("edge frame count must equal loop count plus one")

	// ErrNoLoops is returned when the configured frame range is too small
	// to form a single loop.
	ErrNoLoops = errors.New("frame range too small for loop size")

	// ErrNotPrepared is returned when loops are processed or aggregated
	// before PrepareAllLoops has run.
	ErrNotPrepared = errors.New("loops have not been prepared")

	// ErrNotProcessed is returned when aggregation runs before every loop
	// has been processed.
	ErrNotProcessed = errors.New("loops have not been processed")

	// ErrTooFewPoints is returned when a cloud has insufficient points for
	// an alignment or correction step.
	ErrTooFewPoints = errors.New("too few points for operation")

	// ErrNoCorrespondences is returned when no point correspondences exist
	// within the configured distance cutoff.
	ErrNoCorrespondences = errors.New("no correspondences within cutoff")

	// ErrDegenerateGeometry is returned when a rigid transform cannot be
	// estimated from the given correspondences.
	ErrDegenerateGeometry = errors.New("degenerate geometry in rigid estimation")

	// ErrFrameOutOfRange is returned when a frame source is asked for an
	// index it does not hold.
	ErrFrameOutOfRange = errors.New("frame index out of range")

	// ErrInvalidRange is returned for a malformed read range or stride.
	ErrInvalidRange = errors.New("invalid frame range or stride")

	// ErrInvalidConfig is returned by Config.Validate for settings the
	// pipeline cannot run with.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMeshNotCalculated is returned when a mesh is requested before
	// CalculateMesh has run.
	ErrMeshNotCalculated = errors.New("mesh has not been calculated")

	// ErrNotConnected is returned when publishing is attempted without a
	// connected MQTT client.
	ErrNotConnected = errors.New("mqtt client not connected")
)
