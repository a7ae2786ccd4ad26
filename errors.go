package photonpass

import "errors"

var (
	ErrInvalidCfg   = errors.New("engine: invalid options")
	ErrNoComm       = errors.New("engine: a Comm implementation is required")
	ErrNoMesh       = errors.New("engine: a Mesh implementation is required")
	ErrBatchSize    = errors.New("engine: batch size must be non-zero")
	ErrMessageSize  = errors.New("engine: particle message size must be non-zero")
	ErrCutoffRange  = errors.New("engine: cutoff fraction must be in [0,1)")
	ErrUnknownRank  = errors.New("engine: photon passed toward a rank outside the adjacency map")
	ErrRequestState = errors.New("comm: request completed twice")
)

// Buffer lifecycle violations are programmer errors and panic rather than
// propagate; these values are what the panics carry.
var (
	errBufferFill  = errors.New("buffer: fill outside the EMPTY state")
	errBufferPost  = errors.New("buffer: posted without a filled or empty payload")
	errBufferReuse = errors.New("buffer: refilled while still posted")
)
