// Package detection provides the runnable backends behind the detector
// adapters: in-process OpenCV (built with the opencv tag) and a gRPC
// inference service that hosts those backends for remote clients.
package detection

import "errors"

// ErrOpenCVUnavailable is returned by local backends in builds without the
// opencv tag; use a remote inference endpoint instead
var ErrOpenCVUnavailable = errors.New("built without OpenCV support (rebuild with -tags opencv)")
