package detectors

import (
	"context"
	"errors"
	"fmt"
	"log"

	"vidanon/internal/pipeline"
	"vidanon/internal/staging"
)

// Stager makes a resource available locally and returns its path
type Stager interface {
	Stage(ctx context.Context, name, source string) (string, error)
}

// ResolverConfig holds the adapter tuning shared by all detectors a
// resolver builds
type ResolverConfig struct {
	Threshold     float64 // Neural confidence cutoff
	PyramidLevels int     // Cascade pyramid halvings
}

// DefaultResolverConfig matches the pipeline defaults
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Threshold:     0.5,
		PyramidLevels: 1,
	}
}

// Resolver builds the ordered detector ensemble for a set of toggles
type Resolver struct {
	catalog  []ModelSpec
	stager   Stager
	backends Backends
	config   ResolverConfig
}

// NewResolver creates a resolver over catalog
func NewResolver(catalog []ModelSpec, stager Stager, backends Backends, config ResolverConfig) *Resolver {
	return &Resolver{
		catalog:  catalog,
		stager:   stager,
		backends: backends,
		config:   config,
	}
}

// WithOptions returns a resolver using the run's detection threshold
func (r *Resolver) WithOptions(opts pipeline.PipelineOptions) pipeline.EnsembleResolver {
	c := *r
	c.config.Threshold = opts.DetectionThreshold
	return &c
}

// Catalog returns the resolver's model catalog
func (r *Resolver) Catalog() []ModelSpec {
	return r.catalog
}

// Resolve stages every resource of the enabled models, in first-seen order,
// and builds the detectors once all are staged. On failure every detector
// built so far is closed and nothing is returned.
func (r *Resolver) Resolve(ctx context.Context, toggles map[string]bool) ([]pipeline.Detector, error) {
	specs := Select(r.catalog, toggles)
	resources := Resources(specs)

	log.Printf("[Ensemble] Resolving %d models (%d resources)", len(specs), len(resources))

	paths := make(map[string]string, len(resources))
	steps := make([]staging.Step, len(resources))
	for i, res := range resources {
		steps[i] = func(ctx context.Context, next staging.Continuation) error {
			path, err := r.stager.Stage(ctx, res.Name, res.URL)
			if err != nil {
				return &pipeline.ResourceStagingError{Resource: res.Name, Err: err}
			}
			paths[res.Name] = path
			return next(ctx)
		}
	}

	var detectors []pipeline.Detector
	build := func(ctx context.Context) error {
		built, err := r.build(ctx, specs, paths)
		if err != nil {
			return err
		}
		detectors = built
		return nil
	}

	if err := staging.Chain(steps, build)(ctx); err != nil {
		var se *pipeline.ResourceStagingError
		if !errors.As(err, &se) {
			err = &pipeline.ResourceStagingError{Resource: "ensemble", Err: err}
		}
		return nil, err
	}

	log.Printf("[Ensemble] Built %d detectors", len(detectors))
	return detectors, nil
}

func (r *Resolver) build(ctx context.Context, specs []ModelSpec, paths map[string]string) ([]pipeline.Detector, error) {
	var built []pipeline.Detector
	fail := func(resource string, err error) ([]pipeline.Detector, error) {
		for _, d := range built {
			d.Close()
		}
		return nil, &pipeline.ResourceStagingError{Resource: resource, Err: err}
	}

	for _, spec := range specs {
		switch spec.Kind {
		case pipeline.KindCascade:
			if r.backends.LoadCascade == nil {
				return fail(spec.Name, fmt.Errorf("no cascade backend available"))
			}
			for _, file := range spec.Cascades {
				classifier, err := r.backends.LoadCascade(ctx, paths[file.Name])
				if err != nil {
					return fail(file.Name, err)
				}
				built = append(built, NewCascadeAdapter(spec.Name+"/"+file.Name, classifier, r.config.PyramidLevels))
			}

		case pipeline.KindNeural:
			if r.backends.LoadNet == nil {
				return fail(spec.Name, fmt.Errorf("no neural backend available"))
			}
			net, err := r.backends.LoadNet(ctx, paths[spec.Weights.Name], paths[spec.Topology.Name])
			if err != nil {
				return fail(spec.Weights.Name, err)
			}
			built = append(built, NewNeuralAdapter(spec.Name, net, r.config.Threshold))

		default:
			return fail(spec.Name, fmt.Errorf("unknown model kind %v", spec.Kind))
		}
	}
	return built, nil
}

// Ensure Resolver implements EnsembleResolver
var _ pipeline.EnsembleResolver = (*Resolver)(nil)
