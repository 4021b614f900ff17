package train

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ensnet/ensnet/datasets"
	"github.com/ensnet/ensnet/selector"
)

// Extractor materializes the sample batch for a list of initialization-time
// indices. It must be safe to call from the training flow and from the
// background prefetch goroutine at the same time (the archive is read-only).
type Extractor func(ctx context.Context, times []int) (*datasets.SampleBatch, error)

// Trainable is the model abstraction the scheduler drives. It is initialized
// once, incrementally fit on successive chunks, and evaluated at the end.
type Trainable interface {
	InitFit(predictors, targets [][]float32) error
	Fit(predictors, targets [][]float32, opts selector.FitOptions) (selector.History, error)
	Evaluate(predictors, targets [][]float32) (loss, mae float64, err error)
}

// WorkerError is a background chunk materialization failure, re-raised in the
// training flow at the join point of the iteration that would have consumed
// the chunk.
type WorkerError struct {
	Loop  int
	Chunk int
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("train: background load of chunk %d failed in loop %d: %v", e.Chunk, e.Loop, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Config is the training configuration, constructed once at startup and
// passed explicitly; there is no package-level state.
type Config struct {
	NumDates       int
	ChunkSize      int
	BatchSize      int
	ScalerFitSize  int
	EpochsPerChunk int
	Loops          int
	Val            ValStrategy
	ValSize        int
	Seed           int64
}

// ChunkRecord is one per-chunk fit record in the training history.
type ChunkRecord struct {
	Loop    int
	Chunk   int
	Times   []int
	History selector.History
}

// RunResult is the outcome of a completed training run.
type RunResult struct {
	TrainSet []int
	ValSet   []int
	Chunks   [][]int
	History  []ChunkRecord
	Loss     float64
	MAE      float64
	Elapsed  time.Duration
}

// Scheduler drives online training: the training set is consumed in
// fixed-size chunks, and while the model fits the current chunk a single
// background goroutine materializes the next one. The handoff uses a
// capacity-1 channel; the blocking receive at the top of each iteration is
// the join barrier, so a chunk batch is never read before its producer has
// finished writing it. At most one fit and one prefetch run concurrently.
type Scheduler struct {
	cfg     Config
	extract Extractor
	model   Trainable
	logger  *zap.SugaredLogger
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg Config, extract Extractor, model Trainable, logger *zap.SugaredLogger) (*Scheduler, error) {
	if extract == nil {
		return nil, configErrorf("extractor must not be nil")
	}
	if model == nil {
		return nil, configErrorf("model must not be nil")
	}
	if cfg.ChunkSize < 1 {
		return nil, configErrorf("chunkSize must be >= 1, got %d", cfg.ChunkSize)
	}
	if cfg.Loops < 0 {
		return nil, configErrorf("loops must be >= 0, got %d", cfg.Loops)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{cfg: cfg, extract: extract, model: model, logger: logger}, nil
}

// prefetched transfers exactly one materialized chunk from the background
// worker back to the training flow.
type prefetched struct {
	chunk int
	batch *datasets.SampleBatch
	err   error
}

// Run executes the full training protocol: split, eager validation
// materialization, normalizer fit, loops x chunks of fit-with-prefetch, and a
// final evaluation against the validation batch.
//
// Failure semantics: a failed chunk materialization aborts the run at the
// next join point; no chunk is skipped and nothing is retried. Partial
// history is not returned. Cancellation is observed at every join point and
// the in-flight worker is always drained before returning.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	trainSet, valSet, err := SplitValidation(s.cfg.NumDates, s.cfg.Val, s.cfg.ValSize, rng)
	if err != nil {
		return nil, err
	}
	chunks, err := Partition(trainSet, s.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	s.logger.Infof("processing validation set (%d dates)...", len(valSet))
	valBatch, err := s.extract(ctx, valSet)
	if err != nil {
		return nil, fmt.Errorf("train: load validation set: %w", err)
	}

	// Fit the model's imputer and scaler on a larger slice from the head of
	// the training set, independent of the chunk partition.
	fitSize := s.cfg.ScalerFitSize
	if fitSize > len(trainSet) {
		fitSize = len(trainSet)
	}
	if fitSize > 0 {
		s.logger.Infof("fitting imputer and scaler on %d dates...", fitSize)
		fitBatch, err := s.extract(ctx, trainSet[:fitSize])
		if err != nil {
			return nil, fmt.Errorf("train: load scaler fit set: %w", err)
		}
		if err := s.model.InitFit(fitBatch.Predictors, fitBatch.Targets); err != nil {
			return nil, fmt.Errorf("train: init fit: %w", err)
		}
	}

	start := time.Now()
	var history []ChunkRecord

	slot := make(chan prefetched, 1)
	inflight := false
	first := true

	// drain receives the in-flight worker result so no goroutine is leaked
	// on an abort path.
	drain := func() {
		if inflight {
			<-slot
			inflight = false
		}
	}

	for loop := 0; loop < s.cfg.Loops && len(chunks) > 0; loop++ {
		s.logger.Infof("loop %d of %d", loop+1, s.cfg.Loops)
		for ci := range chunks {
			s.logger.Infof("  data chunk %d of %d", ci+1, len(chunks))

			var batch *datasets.SampleBatch
			if first {
				// Priming step: the very first chunk is materialized
				// synchronously; every later chunk arrives via the slot.
				batch, err = s.extract(ctx, chunks[ci])
				if err != nil {
					return nil, fmt.Errorf("train: load chunk %d of loop %d: %w", ci, loop, err)
				}
				first = false
			} else {
				// Check cancellation before the receive: if both the slot
				// and Done are ready, select would pick at random.
				if err := ctx.Err(); err != nil {
					drain()
					return nil, err
				}
				select {
				case res := <-slot:
					inflight = false
					if res.err != nil {
						return nil, &WorkerError{Loop: loop, Chunk: res.chunk, Err: res.err}
					}
					batch = res.batch
				case <-ctx.Done():
					drain()
					return nil, ctx.Err()
				}
			}

			// Launch the background load of the next chunk before fitting.
			// The index wraps so the first chunk of the next loop is
			// prefetched while the last chunk of this loop trains.
			next := (ci + 1) % len(chunks)
			go func(chunk int, times []int) {
				if err := ctx.Err(); err != nil {
					slot <- prefetched{chunk: chunk, err: err}
					return
				}
				b, err := s.extract(ctx, times)
				slot <- prefetched{chunk: chunk, batch: b, err: err}
			}(next, chunks[next])
			inflight = true

			s.logger.Infof("  training on %d samples...", batch.NumSamples())
			rec, err := s.model.Fit(batch.Predictors, batch.Targets, selector.FitOptions{
				BatchSize:     s.cfg.BatchSize,
				Epochs:        s.cfg.EpochsPerChunk,
				ValPredictors: valBatch.Predictors,
				ValTargets:    valBatch.Targets,
			})
			if err != nil {
				drain()
				return nil, fmt.Errorf("train: fit chunk %d of loop %d: %w", ci, loop, err)
			}
			history = append(history, ChunkRecord{Loop: loop, Chunk: ci, Times: chunks[ci], History: rec})
		}
	}

	// The wrap-around prefetch launched during the final chunk has no
	// consumer; join it so the run leaves no goroutine behind.
	if inflight {
		res := <-slot
		inflight = false
		if res.err != nil {
			s.logger.Warnf("final prefetch of chunk %d failed after training completed: %v", res.chunk, res.err)
		}
	}
	elapsed := time.Since(start)

	loss, mae, err := s.model.Evaluate(valBatch.Predictors, valBatch.Targets)
	if err != nil {
		return nil, fmt.Errorf("train: evaluate: %w", err)
	}
	s.logger.Infow("training complete",
		"elapsed", elapsed,
		"val_loss", loss,
		"val_mae", mae,
		"chunks", len(chunks),
		"loops", s.cfg.Loops,
	)

	return &RunResult{
		TrainSet: trainSet,
		ValSet:   valSet,
		Chunks:   chunks,
		History:  history,
		Loss:     loss,
		MAE:      mae,
		Elapsed:  elapsed,
	}, nil
}
