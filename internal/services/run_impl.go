package services

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidanon/internal/database"
	"vidanon/internal/pipeline"
	"vidanon/internal/ws"
)

// RunView is the API representation of a run
type RunView struct {
	ID              string                   `json:"id"`
	UploadName      string                   `json:"upload_name,omitempty"`
	State           string                   `json:"state"`
	Reason          string                   `json:"reason,omitempty"`
	FramesProcessed uint64                   `json:"frames_processed"`
	ArtifactURL     string                   `json:"artifact_url,omitempty"`
	Options         pipeline.PipelineOptions `json:"options"`
	Stats           *pipeline.RunStats       `json:"stats,omitempty"`
	CreatedAt       *time.Time               `json:"created_at,omitempty"`
}

// RunServiceConfig configures the run service
type RunServiceConfig struct {
	Defaults       pipeline.PipelineOptions
	UploadDir      string // Uploads are spooled here until their run ends
	MaxUploadBytes int64
}

// RunImplementation implements the run service
type RunImplementation struct {
	manager *pipeline.RunManager
	db      *database.Database // Optional run history
	config  RunServiceConfig
}

// NewRunService creates a new run service implementation
func NewRunService(manager *pipeline.RunManager, db *database.Database, config RunServiceConfig) (*RunImplementation, error) {
	if config.UploadDir == "" {
		config.UploadDir = os.TempDir()
	}
	if err := os.MkdirAll(config.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &RunImplementation{manager: manager, db: db, config: config}, nil
}

// Create accepts a multipart upload ("video" file plus option fields) and
// starts a run
func (s *RunImplementation) Create(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	opts, err := ParseOptions(r.MultipartForm.Value, s.config.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing video file")
		return
	}
	defer file.Close()

	path, err := s.spool(file, header.Filename)
	if err != nil {
		log.Printf("[API] Failed to store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	upload := pipeline.Upload{
		Name:   header.Filename,
		Format: header.Header.Get("Content-Type"),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}

	run, err := s.manager.Start(upload, opts)
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.db != nil {
		if err := s.db.SaveRun(&database.RunRecord{ID: run.ID, UploadName: upload.Name, Options: opts}); err != nil {
			log.Printf("[API] Failed to save run %s: %v", run.ID, err)
		}
	}
	go s.finish(run, path)

	writeJSON(w, http.StatusAccepted, liveView(run, upload.Name))
}

func (s *RunImplementation) spool(r io.Reader, name string) (string, error) {
	f, err := os.CreateTemp(s.config.UploadDir, "upload-*"+filepath.Ext(filepath.Base(name)))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// finish removes the spooled upload once the run ends. With a database the
// terminal state is already persisted by then, so the stats are stored and
// the run is released from the manager; lookups fall through to the store.
func (s *RunImplementation) finish(run *pipeline.Run, upload string) {
	<-run.Done()
	os.Remove(upload)

	if s.db == nil {
		return
	}
	if result, err := run.Result(); err == nil && result != nil {
		if err := s.db.SaveStats(run.ID, result.Stats); err != nil {
			log.Printf("[API] Failed to save stats for run %s: %v", run.ID, err)
		}
	}
	if err := s.manager.Forget(run.ID); err != nil {
		log.Printf("[API] Failed to release run %s: %v", run.ID, err)
	}
}

// List returns runs: the stored history when a database is configured,
// otherwise the live runs
func (s *RunImplementation) List(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		records, err := s.db.ListRuns(r.URL.Query().Get("state"), limit)
		if err != nil {
			log.Printf("[API] Failed to list runs: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		views := make([]RunView, 0, len(records))
		for _, rec := range records {
			views = append(views, recordView(rec))
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	runs := s.manager.List()
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, liveView(run, ""))
	}
	writeJSON(w, http.StatusOK, views)
}

// Get returns one run
func (s *RunImplementation) Get(w http.ResponseWriter, r *http.Request) {
	view, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *RunImplementation) lookup(id string) (RunView, bool) {
	if run, ok := s.manager.Get(id); ok {
		view := liveView(run, "")
		if s.db != nil {
			if rec, err := s.db.GetRun(id); err == nil {
				view.UploadName = rec.UploadName
				view.CreatedAt = &rec.CreatedAt
			}
		}
		return view, true
	}
	if s.db != nil {
		if rec, err := s.db.GetRun(id); err == nil {
			return recordView(rec), true
		}
	}
	return RunView{}, false
}

// Stop halts a run's playback; the run still produces an artifact from the
// frames processed so far
func (s *RunImplementation) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.manager.Stop(id)
	if errors.Is(err, pipeline.ErrRunNotFound) && s.db != nil {
		// Released runs are finished; the store still knows them
		if rec, dbErr := s.db.GetRun(id); dbErr == nil {
			err = fmt.Errorf("%w: %s is %s", pipeline.ErrRunTerminal, id, rec.State)
		}
	}
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrRunTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	}
}

// Artifact downloads a finished run's output
func (s *RunImplementation) Artifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	path := ""
	if run, ok := s.manager.Get(id); ok {
		if result, err := run.Result(); err == nil && result != nil {
			path = result.Path
		}
	}
	if path == "" && s.db != nil {
		if rec, err := s.db.GetRun(id); err == nil {
			path = rec.ArtifactPath
		}
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusGone, "artifact no longer exists")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// Snapshot reports a run's current state to new websocket subscribers
func (s *RunImplementation) Snapshot(runID string) (*ws.RunMessage, bool) {
	if run, ok := s.manager.Get(runID); ok {
		return ws.NewSnapshotMessage(runID, run.State(), run.FramesProcessed()), true
	}
	if s.db != nil {
		if rec, err := s.db.GetRun(runID); err == nil {
			state, err := pipeline.ParseState(rec.State)
			if err != nil {
				return nil, false
			}
			return ws.NewSnapshotMessage(runID, state, rec.FramesProcessed), true
		}
	}
	return nil, false
}

func liveView(run *pipeline.Run, uploadName string) RunView {
	view := RunView{
		ID:              run.ID,
		UploadName:      uploadName,
		State:           run.State().String(),
		FramesProcessed: run.FramesProcessed(),
		Options:         run.Options(),
	}

	if run.State().Terminal() {
		result, err := run.Result()
		if err != nil {
			view.Reason = pipeline.Reason(err)
		}
		if result != nil {
			view.ArtifactURL = result.ArtifactURL
			stats := result.Stats
			view.Stats = &stats
			view.FramesProcessed = stats.FramesProcessed
		}
	}
	return view
}

func recordView(rec *database.RunRecord) RunView {
	createdAt := rec.CreatedAt
	return RunView{
		ID:              rec.ID,
		UploadName:      rec.UploadName,
		State:           rec.State,
		Reason:          rec.Reason,
		FramesProcessed: rec.FramesProcessed,
		ArtifactURL:     rec.ArtifactURL,
		Options:         rec.Options,
		Stats:           rec.Stats,
		CreatedAt:       &createdAt,
	}
}

// ParseOptions overlays form values on defaults. Recognized fields:
// playback_rate, scale_factor, output_format, style, detection_threshold
// and models (comma-separated enabled toggles).
func ParseOptions(values url.Values, defaults pipeline.PipelineOptions) (pipeline.PipelineOptions, error) {
	opts := defaults.Clone()

	float := func(key string, dst *float64) error {
		v := strings.TrimSpace(values.Get(key))
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q", key, v)
		}
		*dst = f
		return nil
	}

	if err := float("playback_rate", &opts.PlaybackRate); err != nil {
		return opts, err
	}
	if err := float("scale_factor", &opts.ScaleFactor); err != nil {
		return opts, err
	}
	if err := float("detection_threshold", &opts.DetectionThreshold); err != nil {
		return opts, err
	}
	if v := strings.TrimSpace(values.Get("output_format")); v != "" {
		opts.OutputFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(values.Get("style")); v != "" {
		style, err := pipeline.ParseStyle(v)
		if err != nil {
			return opts, err
		}
		opts.Style = style
	}
	if _, ok := values["models"]; ok {
		opts.Toggles = make(map[string]bool)
		for _, field := range values["models"] {
			for _, name := range strings.Split(field, ",") {
				if name = strings.TrimSpace(name); name != "" {
					opts.Toggles[name] = true
				}
			}
		}
	}
	return opts, nil
}
