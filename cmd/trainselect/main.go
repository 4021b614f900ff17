// Command trainselect trains the ensemble-selection network on a predictor
// archive with chunked online learning, then evaluates the trained selector
// against verification and the last-time baseline on the held-out days.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ensnet/ensnet/datasets"
	"github.com/ensnet/ensnet/logging"
	"github.com/ensnet/ensnet/results"
	"github.com/ensnet/ensnet/selector"
	"github.com/ensnet/ensnet/train"
	"github.com/ensnet/ensnet/verify"
)

// runConfig is the JSON configuration surface. Zero values fall back to the
// defaults below, so a partial config file is fine.
type runConfig struct {
	ArchivePath string `json:"archive_path"`
	ModelBase   string `json:"model_base"`
	ResultsPath string `json:"results_path"`
	PlotPath    string `json:"plot_path"`

	ChunkSize      int    `json:"chunk_size"`
	BatchSize      int    `json:"batch_size"`
	ScalerFitSize  int    `json:"scaler_fit_size"`
	EpochsPerChunk int    `json:"epochs_per_chunk"`
	Loops          int    `json:"loops"`
	Val            string `json:"val"`
	ValSize        int    `json:"val_size"`

	ImputeMissing bool     `json:"impute_missing"`
	ScaleTargets  bool     `json:"scale_targets"`
	LearningRate  float64  `json:"learning_rate"`
	ClipNorm      float64  `json:"clip_norm"`
	Variables     []string `json:"variable_subset"`

	Seed int64 `json:"seed"`
}

func defaultConfig() runConfig {
	return runConfig{
		ArchivePath:    "data/archive.gob",
		ModelBase:      "output/selector",
		ResultsPath:    "output/results.db",
		PlotPath:       "output/loss.png",
		ChunkSize:      10,
		BatchSize:      64,
		ScalerFitSize:  30,
		EpochsPerChunk: 6,
		Loops:          1,
		Val:            "random",
		ValSize:        8,
		ImputeMissing:  true,
		ScaleTargets:   true,
		LearningRate:   0.001,
		ClipNorm:       5.0,
		Seed:           time.Now().UnixNano(),
	}
}

func loadConfig(path string) (runConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// resolveVariables maps the configured variable names to archive indices; a
// nil subset means every error-predicted variable.
func resolveVariables(arc *datasets.Archive, names []string) ([]int, error) {
	if len(names) == 0 {
		return nil, nil
	}
	idx := make([]int, 0, len(names))
	for _, name := range names {
		found := -1
		for vi, v := range arc.Variables {
			if v == name {
				found = vi
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("variable %q not in archive (have %v)", name, arc.Variables)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

func main() {
	configPath := flag.String("config", "", "path to JSON configuration file (optional)")
	archivePath := flag.String("archive", "", "predictor archive path (overrides config)")
	modelBase := flag.String("model", "", "output model base path (overrides config)")
	seed := flag.Int64("seed", 0, "random seed (overrides config when nonzero)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := logging.Init(*debug); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	logger := logging.Sugared()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}
	if *archivePath != "" {
		cfg.ArchivePath = *archivePath
	}
	if *modelBase != "" {
		cfg.ModelBase = *modelBase
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("trainselect failed: %v", err)
	}
}

func run(ctx context.Context, cfg runConfig, logger *zap.SugaredLogger) error {
	arc, err := datasets.OpenArchive(cfg.ArchivePath)
	if err != nil {
		return err
	}
	logger.Infow("archive opened",
		"path", cfg.ArchivePath,
		"dates", arc.NumDates(),
		"members", arc.NumMembers(),
		"stations", arc.NumStations(),
		"variables", arc.Variables,
	)

	vars, err := resolveVariables(arc, cfg.Variables)
	if err != nil {
		return err
	}

	nav := len(vars)
	if nav == 0 {
		nav = arc.NumVariables()
	}
	features := arc.NumMembers()*arc.NumVariables()*arc.NumStations() +
		nav*arc.NumMembers()*arc.NumLeadTimes()*arc.NumStations()
	outputs := arc.NumMembers() * arc.NumStations() * nav

	model := selector.New(selector.Config{
		ImputeMissing: cfg.ImputeMissing,
		ScaleTargets:  cfg.ScaleTargets,
		LearningRate:  cfg.LearningRate,
		ClipNorm:      cfg.ClipNorm,
		Seed:          cfg.Seed,
	})
	if err := model.Build(selector.DefaultLayers(outputs), features); err != nil {
		return err
	}
	logger.Infow("model built", "features", features, "outputs", outputs)

	extract := func(ctx context.Context, times []int) (*datasets.SampleBatch, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view, err := arc.SelectTimes(times)
		if err != nil {
			return nil, err
		}
		if vars != nil {
			if view, err = view.SelectVariables(vars); err != nil {
				return nil, err
			}
		}
		return datasets.ToSamples(view, cfg.ImputeMissing)
	}

	sched, err := train.NewScheduler(train.Config{
		NumDates:       arc.NumDates(),
		ChunkSize:      cfg.ChunkSize,
		BatchSize:      cfg.BatchSize,
		ScalerFitSize:  cfg.ScalerFitSize,
		EpochsPerChunk: cfg.EpochsPerChunk,
		Loops:          cfg.Loops,
		Val:            train.ValStrategy(cfg.Val),
		ValSize:        cfg.ValSize,
		Seed:           cfg.Seed,
	}, extract, model, logger)
	if err != nil {
		return err
	}

	res, err := sched.Run(ctx)
	if err != nil {
		return err
	}
	logger.Infow("training finished",
		"elapsed", res.Elapsed,
		"chunks_trained", len(res.History),
		"val_loss", res.Loss,
		"val_mae", res.MAE,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.ModelBase), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := selector.Save(model, cfg.ModelBase); err != nil {
		return err
	}
	logger.Infof("saved model to %s.*", cfg.ModelBase)

	if cfg.PlotPath != "" {
		if err := plotLoss(cfg.PlotPath, res.History); err != nil {
			logger.Warnf("failed to write loss plot: %v", err)
		} else {
			logger.Infof("wrote loss curve to %s", cfg.PlotPath)
		}
	}

	report, err := verify.Report(ctx, arc, res.ValSet, vars, model, verify.StdMean, logger)
	if err != nil {
		return err
	}

	store, err := results.Create(cfg.ResultsPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.WriteReport(report); err != nil {
		return err
	}
	logger.Infof("wrote evaluation results to %s", cfg.ResultsPath)
	return nil
}

// plotLoss writes a PNG of per-chunk training and validation loss across the
// whole run, one point per trained epoch.
func plotLoss(path string, records []train.ChunkRecord) error {
	var trainXY, valXY plotter.XYs
	step := 0
	for _, rec := range records {
		for e := range rec.History.Loss {
			trainXY = append(trainXY, plotter.XY{X: float64(step), Y: rec.History.Loss[e]})
			if e < len(rec.History.ValLoss) {
				valXY = append(valXY, plotter.XY{X: float64(step), Y: rec.History.ValLoss[e]})
			}
			step++
		}
	}
	if len(trainXY) == 0 {
		return fmt.Errorf("no training history to plot")
	}

	p := plot.New()
	p.Title.Text = "Training loss (blue) vs validation loss (red)"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return err
	}
	trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	trainLine.Width = vg.Points(1.2)
	p.Add(trainLine)
	p.Legend.Add("train", trainLine)

	if len(valXY) > 0 {
		valLine, err := plotter.NewLine(valXY)
		if err != nil {
			return err
		}
		valLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 220}
		valLine.Width = vg.Points(1.2)
		p.Add(valLine)
		p.Legend.Add("validation", valLine)
	}
	p.Add(plotter.NewGrid())

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
