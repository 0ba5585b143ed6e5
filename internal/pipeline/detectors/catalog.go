package detectors

import (
	"fmt"

	"vidanon/internal/pipeline"
)

// Default download locations
const (
	CascadeBaseURL  = "https://raw.githubusercontent.com/opencv/opencv/4.x/data/haarcascades/"
	FaceNetWeights  = "https://raw.githubusercontent.com/opencv/opencv_3rdparty/dnn_samples_face_detector_20170830/res10_300x300_ssd_iter_140000.caffemodel"
	FaceNetTopology = "https://raw.githubusercontent.com/opencv/opencv/4.x/samples/dnn/face_detector/deploy.prototxt"
)

// Resource is a model file a detector needs before it can be built
type Resource struct {
	Name string // File name inside the model cache
	URL  string // Where to fetch it from when not cached
}

// ModelSpec describes one toggleable catalog entry. Cascade specs build one
// adapter per file in Cascades; neural specs build a single adapter from
// Weights and Topology.
type ModelSpec struct {
	Name     string
	Kind     pipeline.ModelKind
	Cascades []Resource
	Weights  Resource
	Topology Resource
}

// Resources lists the files the spec needs, in load order
func (s ModelSpec) Resources() []Resource {
	switch s.Kind {
	case pipeline.KindNeural:
		return []Resource{s.Weights, s.Topology}
	default:
		out := make([]Resource, len(s.Cascades))
		copy(out, s.Cascades)
		return out
	}
}

// Validate checks that the spec carries the fields its kind requires
func (s ModelSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("model spec has no name")
	}
	switch s.Kind {
	case pipeline.KindCascade:
		if len(s.Cascades) == 0 {
			return fmt.Errorf("cascade model %q has no cascade files", s.Name)
		}
	case pipeline.KindNeural:
		if s.Weights.Name == "" || s.Topology.Name == "" {
			return fmt.Errorf("neural model %q needs weights and topology", s.Name)
		}
	default:
		return fmt.Errorf("model %q has unknown kind %v", s.Name, s.Kind)
	}
	return nil
}

func cascade(files ...string) []Resource {
	out := make([]Resource, len(files))
	for i, f := range files {
		out[i] = Resource{Name: f, URL: CascadeBaseURL + f}
	}
	return out
}

// DefaultCatalog returns the built-in models in declaration order
func DefaultCatalog() []ModelSpec {
	return []ModelSpec{
		{
			Name: "multiFace",
			Kind: pipeline.KindCascade,
			Cascades: cascade(
				"haarcascade_frontalface_default.xml",
				"haarcascade_frontalface_alt_tree.xml",
				"haarcascade_frontalface_alt2.xml",
				"haarcascade_frontalface_alt.xml",
			),
		},
		{Name: "haarFace", Kind: pipeline.KindCascade, Cascades: cascade("haarcascade_frontalface_default.xml")},
		{Name: "haarProf", Kind: pipeline.KindCascade, Cascades: cascade("haarcascade_profileface.xml")},
		{Name: "haarUpper", Kind: pipeline.KindCascade, Cascades: cascade("haarcascade_upperbody.xml")},
		{Name: "haarFull", Kind: pipeline.KindCascade, Cascades: cascade("haarcascade_fullbody.xml")},
		{
			Name: "multiEye",
			Kind: pipeline.KindCascade,
			Cascades: cascade(
				"haarcascade_eye.xml",
				"haarcascade_eye_tree_eyeglasses.xml",
				"haarcascade_lefteye_2splits.xml",
				"haarcascade_righteye_2splits.xml",
			),
		},
		{
			Name:     "deepFace",
			Kind:     pipeline.KindNeural,
			Weights:  Resource{Name: "res10_300x300_ssd_iter_140000.caffemodel", URL: FaceNetWeights},
			Topology: Resource{Name: "opencv_face_detector.prototxt", URL: FaceNetTopology},
		},
	}
}

// Names returns the toggle names of a catalog
func Names(catalog []ModelSpec) []string {
	names := make([]string, len(catalog))
	for i, s := range catalog {
		names[i] = s.Name
	}
	return names
}

// Select returns the specs whose toggle is enabled, in catalog order
func Select(catalog []ModelSpec, toggles map[string]bool) []ModelSpec {
	var out []ModelSpec
	for _, s := range catalog {
		if toggles[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Resources flattens the specs' resources, keeping only the first
// occurrence of each file name
func Resources(specs []ModelSpec) []Resource {
	seen := make(map[string]bool)
	var out []Resource
	for _, s := range specs {
		for _, r := range s.Resources() {
			if seen[r.Name] {
				continue
			}
			seen[r.Name] = true
			out = append(out, r)
		}
	}
	return out
}
