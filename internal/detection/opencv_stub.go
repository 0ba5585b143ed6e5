//go:build !opencv

package detection

import (
	"context"

	"vidanon/internal/pipeline/detectors"
)

// OpenCVAvailable reports whether the binary was built with OpenCV
const OpenCVAvailable = false

// LocalBackends returns backends that fail to load any model
func LocalBackends() detectors.Backends {
	return detectors.Backends{
		LoadCascade: func(ctx context.Context, path string) (detectors.CascadeClassifier, error) {
			return nil, ErrOpenCVUnavailable
		},
		LoadNet: func(ctx context.Context, weights, topology string) (detectors.Net, error) {
			return nil, ErrOpenCVUnavailable
		},
	}
}
