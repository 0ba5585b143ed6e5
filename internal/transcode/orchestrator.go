package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"

	"vidanon/internal/pipeline"
)

// Work directory file names
const (
	InputName    = "videoinput"
	SlowName     = "videoslow.mp4"
	RecordedName = "slow.webm"
	restoredName = "out.webm"
)

// Orchestrator implements pipeline.Transcoder on top of an Engine
type Orchestrator struct {
	engine Engine
}

// NewOrchestrator creates an orchestrator for one run's engine
func NewOrchestrator(engine Engine) *Orchestrator {
	return &Orchestrator{engine: engine}
}

// NewFactory returns a pipeline transcoder constructor backed by ffmpeg
func NewFactory(config EngineConfig) func(runID string) (pipeline.Transcoder, error) {
	return func(runID string) (pipeline.Transcoder, error) {
		return NewOrchestrator(NewFFmpegEngine(runID, config)), nil
	}
}

// PreArgs returns the slow-down invocation. A unit scale only rescales
// timestamps; any other scale re-encodes with even output dimensions.
func PreArgs(opts pipeline.PipelineOptions) []string {
	if opts.ScaleFactor == 1 {
		return []string{
			"-itsscale", formatFloat(1 / opts.PlaybackRate),
			"-i", InputName,
			"-c", "copy",
			"-an",
			SlowName,
		}
	}

	s := formatFloat(opts.ScaleFactor)
	filter := fmt.Sprintf("setpts=PTS/%s,scale=trunc(iw*%s/2)*2:trunc(ih*%s/2)*2",
		formatFloat(opts.PlaybackRate), s, s)
	return []string{
		"-i", InputName,
		"-filter:v", filter,
		"-max_muxing_queue_size", "4096",
		"-an",
		SlowName,
	}
}

// SlowedFrames estimates how many frames the slowed video holds for an
// input of frames. Copying keeps every frame; re-encoding at the source
// frame rate duplicates frames by 1/PlaybackRate.
func SlowedFrames(frames int, opts pipeline.PipelineOptions) int {
	if frames <= 0 || opts.ScaleFactor == 1 || opts.PlaybackRate <= 0 {
		return frames
	}
	return int(math.Round(float64(frames) / opts.PlaybackRate))
}

// PostArgs returns the restore, convert and remux invocations in order,
// each paired with the file it produces
func PostArgs(opts pipeline.PipelineOptions) [][]string {
	converted := "out." + opts.OutputFormat
	return [][]string{
		{"-itsscale", formatFloat(opts.PlaybackRate), "-i", RecordedName, "-c", "copy", restoredName},
		{"-i", restoredName, converted},
		{"-i", converted, "-i", InputName, "-c", "copy", "-map", "0:v:0", "-map", "1:a:0?", FinalName(opts)},
	}
}

// FinalName is the artifact file name for opts
func FinalName(opts pipeline.PipelineOptions) string {
	return "video." + opts.OutputFormat
}

func (o *Orchestrator) Prepare(ctx context.Context, upload pipeline.Upload, opts pipeline.PipelineOptions) (string, error) {
	if err := o.engine.Load(ctx); err != nil {
		return "", &pipeline.TranscodeError{Step: "load", Err: err}
	}

	rc, err := upload.Open()
	if err != nil {
		return "", &pipeline.TranscodeError{Step: "upload", Err: err}
	}
	defer rc.Close()

	if err := o.engine.Write(ctx, InputName, rc); err != nil {
		return "", &pipeline.TranscodeError{Step: "upload", Err: err}
	}

	if err := o.step(ctx, "pre", PreArgs(opts)); err != nil {
		return "", err
	}
	return o.engine.Path(SlowName), nil
}

func (o *Orchestrator) Finish(ctx context.Context, recorded string, opts pipeline.PipelineOptions) (string, error) {
	if err := o.engine.Load(ctx); err != nil {
		return "", &pipeline.TranscodeError{Step: "load", Err: err}
	}

	// The recording normally lands in the work directory already
	if recorded != o.engine.Path(RecordedName) {
		f, err := os.Open(recorded)
		if err != nil {
			return "", &pipeline.TranscodeError{Step: "post", Err: err}
		}
		err = o.engine.Write(ctx, RecordedName, f)
		f.Close()
		if err != nil {
			return "", &pipeline.TranscodeError{Step: "post", Err: err}
		}
	}
	if err := o.checkOutput("record", RecordedName); err != nil {
		return "", err
	}

	for i, args := range PostArgs(opts) {
		if err := o.step(ctx, fmt.Sprintf("post %d/3", i+1), args); err != nil {
			return "", err
		}
	}
	return o.engine.Path(FinalName(opts)), nil
}

func (o *Orchestrator) Probe(ctx context.Context, path string) (pipeline.MediaInfo, error) {
	info, err := o.engine.Probe(ctx, path)
	if err != nil {
		return info, &pipeline.TranscodeError{Step: "probe", Err: err}
	}
	return info, nil
}

func (o *Orchestrator) Path(name string) string {
	return o.engine.Path(name)
}

func (o *Orchestrator) Close() error {
	return o.engine.Close()
}

// step runs one invocation and checks that its output (the last argument)
// is non-empty
func (o *Orchestrator) step(ctx context.Context, name string, args []string) error {
	if err := o.engine.Run(ctx, args...); err != nil {
		return &pipeline.TranscodeError{Step: name, Err: err}
	}
	return o.checkOutput(name, args[len(args)-1])
}

func (o *Orchestrator) checkOutput(step, name string) error {
	info, err := os.Stat(o.engine.Path(name))
	if err != nil {
		return &pipeline.TranscodeError{Step: step, Err: fmt.Errorf("output %s missing: %w", name, err)}
	}
	if info.Size() == 0 {
		return &pipeline.TranscodeError{Step: step, Err: fmt.Errorf("output %s is empty", name)}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Ensure Orchestrator implements pipeline.Transcoder
var _ pipeline.Transcoder = (*Orchestrator)(nil)
