package services

import (
	"net/http"
	"time"

	"vidanon/internal/pipeline"
	"vidanon/internal/pipeline/detectors"
)

// SystemStatus is the overall service status
type SystemStatus struct {
	Uptime           string         `json:"uptime"`
	DetectionBackend string         `json:"detection_backend"`
	OpenCV           bool           `json:"opencv"`
	Runs             map[string]int `json:"runs"` // Live runs by state
	Subscribers      int            `json:"subscribers"`
}

// ModelInfo describes one catalog entry
type ModelInfo struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Resources []string `json:"resources"`
}

// SystemImplementation implements the system service
type SystemImplementation struct {
	manager   *pipeline.RunManager
	catalog   []detectors.ModelSpec
	backend   string
	opencv    bool
	startTime time.Time
}

// NewSystemService creates a new system service implementation
func NewSystemService(manager *pipeline.RunManager, catalog []detectors.ModelSpec, backend string, opencv bool) *SystemImplementation {
	return &SystemImplementation{
		manager:   manager,
		catalog:   catalog,
		backend:   backend,
		opencv:    opencv,
		startTime: time.Now(),
	}
}

// Status returns the overall system status
func (s *SystemImplementation) Status(w http.ResponseWriter, r *http.Request) {
	runs := make(map[string]int)
	for _, run := range s.manager.List() {
		runs[run.State().String()]++
	}

	writeJSON(w, http.StatusOK, SystemStatus{
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		DetectionBackend: s.backend,
		OpenCV:           s.opencv,
		Runs:             runs,
		Subscribers:      s.manager.EventBus().SubscriberCount(),
	})
}

// Models lists the detection model catalog
func (s *SystemImplementation) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListModels(s.catalog))
}

// ListModels describes a catalog in declaration order
func ListModels(catalog []detectors.ModelSpec) []ModelInfo {
	models := make([]ModelInfo, 0, len(catalog))
	for _, spec := range catalog {
		info := ModelInfo{Name: spec.Name, Kind: spec.Kind.String()}
		for _, res := range spec.Resources() {
			info.Resources = append(info.Resources, res.Name)
		}
		models = append(models, info)
	}
	return models
}
