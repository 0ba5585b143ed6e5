package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"vidanon/internal/config"
	"vidanon/internal/pipeline"
	"vidanon/internal/pipeline/detectors"
	"vidanon/internal/transcode"
)

var (
	runOutput    string
	runRate      float64
	runScale     float64
	runFormat    string
	runStyle     string
	runThreshold float64
	runModels    string
)

var runCmd = &cobra.Command{
	Use:   "run <video>",
	Short: "Anonymize a local video file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := runOptions(cmd)
		if err != nil {
			return err
		}
		return runAnonymize(cmd.Context(), args[0], runOutput, opts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Copy the final video here (defaults to the configured output directory)")
	runCmd.Flags().Float64VarP(&runRate, "rate", "r", 0.5, "Playback rate used while detecting, in (0, 1]")
	runCmd.Flags().Float64VarP(&runScale, "scale", "s", 1, "Scale factor applied before detection")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "mp4", "Output container: mp4, mov, mkv")
	runCmd.Flags().StringVar(&runStyle, "style", "rectangle", "Redaction shape: rectangle, ellipse")
	runCmd.Flags().Float64VarP(&runThreshold, "threshold", "t", 0.5, "Neural detection confidence threshold")
	runCmd.Flags().StringVarP(&runModels, "models", "m", "", "Comma-separated detection models (see 'vidanon models')")
	rootCmd.AddCommand(runCmd)
}

// runOptions overlays explicitly set flags on the configured defaults
func runOptions(cmd *cobra.Command) (pipeline.PipelineOptions, error) {
	opts := cfg.Pipeline.Clone()
	flags := cmd.Flags()

	if flags.Changed("rate") {
		opts.PlaybackRate = runRate
	}
	if flags.Changed("scale") {
		opts.ScaleFactor = runScale
	}
	if flags.Changed("format") {
		opts.OutputFormat = runFormat
	}
	if flags.Changed("style") {
		style, err := pipeline.ParseStyle(runStyle)
		if err != nil {
			return opts, err
		}
		opts.Style = style
	}
	if flags.Changed("threshold") {
		opts.DetectionThreshold = runThreshold
	}
	if flags.Changed("models") {
		opts.Toggles = config.ParseToggles(runModels)
	}

	if err := opts.Validate(detectors.Names(detectors.DefaultCatalog())); err != nil {
		return opts, err
	}
	return opts, nil
}

func runAnonymize(ctx context.Context, input, output string, opts pipeline.PipelineOptions) error {
	input, err := filepath.Abs(input)
	if err != nil {
		return err
	}
	if _, err := os.Stat(input); err != nil {
		return err
	}

	deps, release, err := buildDependencies(cfg)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	upload := pipeline.Upload{
		Name:   filepath.Base(input),
		Format: mime.TypeByExtension(filepath.Ext(input)),
		Open: func() (io.ReadCloser, error) {
			return os.Open(input)
		},
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()
	run := pipeline.NewRun(uuid.New().String(), upload, opts, deps, bus)

	total := int64(-1)
	if frames := probeFrames(ctx, input); frames > 0 {
		total = int64(transcode.SlowedFrames(frames, opts))
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	bus.SubscribeRun(run.ID, pipeline.NewObserverAdapter(&progressDisplay{bar: bar}))

	// First interrupt stops detection and keeps what was processed; a
	// second one aborts the run
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
			return
		}
		logger.Printf("stopping detection (interrupt again to abort)")
		run.Stop()
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Printf("anonymizing %s (run %s, models %v)", upload.Name, run.ID, opts.EnabledToggles())
	result, err := run.Execute(ctx)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("%s: %w", pipeline.Reason(err), err)
	}

	dest := result.Path
	if output != "" {
		if err := copyFile(result.Path, output); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		dest = output
	}

	printStats(result.Stats)
	fmt.Println(dest)
	return nil
}

// probeFrames returns the input's frame count, or -1 when unknown
func probeFrames(ctx context.Context, input string) int {
	engine := transcode.NewFFmpegEngine("probe", transcode.EngineConfig{
		FFmpeg:   cfg.FFmpeg,
		FFprobe:  cfg.FFprobe,
		WorkRoot: cfg.WorkRoot,
	})
	if err := engine.Load(ctx); err != nil {
		return -1
	}
	defer engine.Close()

	info, err := engine.Probe(ctx, input)
	if err != nil || info.Frames <= 0 {
		return -1
	}
	return info.Frames
}

// progressDisplay renders run events on a terminal progress bar
type progressDisplay struct {
	bar       *progressbar.ProgressBar
	detecting bool
}

func (d *progressDisplay) OnWaiting(message string) {
	if message != "" {
		d.bar.Describe(message)
	}
}

func (d *progressDisplay) OnProgress(framesProcessed uint64) {
	if !d.detecting {
		d.detecting = true
		d.bar.Describe("Detecting")
	}
	_ = d.bar.Set64(int64(framesProcessed))
}

func (d *progressDisplay) OnFailed(reason error) {
	d.bar.Describe("Failed: " + pipeline.Reason(reason))
}

func (d *progressDisplay) OnComplete(string) {
	d.bar.Describe("Done")
}

func printStats(stats pipeline.RunStats) {
	logger.Printf("processed %d frames, drew %d regions", stats.FramesProcessed, stats.RegionsDrawn)

	names := make([]string, 0, len(stats.DetectorTime))
	for name := range stats.DetectorTime {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Printf("  %-40s %v", name, stats.DetectorTime[name])
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
