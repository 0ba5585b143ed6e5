package main

import (
	"fmt"
	"net/http"
	"time"

	"vidanon/internal/config"
	"vidanon/internal/detection"
	"vidanon/internal/media"
	"vidanon/internal/pipeline"
	"vidanon/internal/pipeline/detectors"
	"vidanon/internal/pipeline/redact"
	"vidanon/internal/staging"
	"vidanon/internal/transcode"
)

// buildBackends returns the configured detection backends and a release
// function for any connection they hold
func buildBackends(cfg config.Config) (detectors.Backends, func(), error) {
	switch cfg.Detection.Backend {
	case config.BackendRemote:
		client, err := detection.NewInferenceClient(detection.InferenceClientConfig{
			Endpoint: cfg.Detection.Endpoint,
			Timeout:  cfg.Detection.Timeout,
		})
		if err != nil {
			return detectors.Backends{}, nil, fmt.Errorf("failed to connect to inference service: %w", err)
		}
		return client.Backends(), func() { client.Close() }, nil
	default:
		if !detection.OpenCVAvailable {
			logger.Printf("warning: built without OpenCV; runs with detection models enabled will fail (use detection.backend: remote)")
		}
		return detection.LocalBackends(), func() {}, nil
	}
}

// buildDependencies wires a run to ffmpeg, the model cache and the detection
// backends
func buildDependencies(cfg config.Config) (pipeline.Dependencies, func(), error) {
	backends, release, err := buildBackends(cfg)
	if err != nil {
		return pipeline.Dependencies{}, nil, err
	}

	fetcher := staging.NewFetcher(cfg.Models.CacheDir, cfg.Models.BaseURL, &http.Client{Timeout: 5 * time.Minute})
	resolver := detectors.NewResolver(detectors.DefaultCatalog(), fetcher, backends, detectors.ResolverConfig{
		Threshold:     cfg.Pipeline.DetectionThreshold,
		PyramidLevels: cfg.Detection.PyramidLevels,
	})

	deps := pipeline.Dependencies{
		NewResolver: resolver.WithOptions,
		NewTranscoder: transcode.NewFactory(transcode.EngineConfig{
			FFmpeg:   cfg.FFmpeg,
			FFprobe:  cfg.FFprobe,
			WorkRoot: cfg.WorkRoot,
		}),
		NewSource:  media.NewSourceFactory(cfg.FFmpeg),
		NewCapture: media.NewCaptureFactory(cfg.FFmpeg),
		NewRenderer: func(style pipeline.AnonymizationStyle) pipeline.Renderer {
			return redact.New(style)
		},
		OutputDir:       cfg.OutputDir,
		PlayableTimeout: cfg.PlayableTimeout,
	}
	return deps, release, nil
}
