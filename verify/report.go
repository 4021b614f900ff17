package verify

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ensnet/ensnet/datasets"
	"github.com/ensnet/ensnet/selector"
)

// Ranker is the trained-model capability the reporting pass consumes.
type Ranker interface {
	Predict(predictors [][]float32) ([][]float32, error)
	Select(batch *datasets.SampleBatch, shape datasets.SelectShape, agg func([]float64) float64) ([]selector.MemberRank, error)
}

// Result is the per-day validation aggregation: predicted and observed error
// fields plus three parallel (score, rank) series per member: the selector's
// ranking, the verification ranking, and the last-time baseline.
type Result struct {
	Times  []time.Time
	ValSet []int
	Shape  datasets.SelectShape

	// flattened (member, station, variable) per day
	Predictions [][]float32
	Targets     [][]float32

	// [day][member]
	SelectorScores [][]float64
	SelectorRanks  [][]float64
	VerifScores    [][]float64
	VerifRanks     [][]float64
	LastTimeScores [][]float64
	LastTimeRanks  [][]float64
}

// Report runs the post-training evaluation pass over the held-out validation
// days. Each day is independent, so days are processed in parallel; result
// slots are written by day index, keeping output order deterministic.
func Report(ctx context.Context, arc *datasets.Archive, valSet []int, vars []int, model Ranker, agg Agg, logger *zap.SugaredLogger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := len(valSet)
	res := &Result{
		Times:          make([]time.Time, n),
		ValSet:         append([]int(nil), valSet...),
		Predictions:    make([][]float32, n),
		Targets:        make([][]float32, n),
		SelectorScores: make([][]float64, n),
		SelectorRanks:  make([][]float64, n),
		VerifScores:    make([][]float64, n),
		VerifRanks:     make([][]float64, n),
		LastTimeScores: make([][]float64, n),
		LastTimeRanks:  make([][]float64, n),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for di, day := range valSet {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			view, err := arc.SelectTimes([]int{day})
			if err != nil {
				return err
			}
			if vars != nil {
				if view, err = view.SelectVariables(vars); err != nil {
					return err
				}
			}

			batch, shape, err := datasets.FormatSelectPredictors(view)
			if err != nil {
				return fmt.Errorf("verify: format day %d: %w", day, err)
			}
			if di == 0 {
				res.Shape = shape
			}

			selection, err := model.Select(batch, shape, agg)
			if err != nil {
				return fmt.Errorf("verify: select day %d: %w", day, err)
			}
			verif, err := SelectVerification(view, agg)
			if err != nil {
				return fmt.Errorf("verify: verification day %d: %w", day, err)
			}
			lastTime, err := LastTimeEstimate(view, agg)
			if err != nil {
				return fmt.Errorf("verify: last-time estimate day %d: %w", day, err)
			}

			preds, err := model.Predict(batch.Predictors)
			if err != nil {
				return fmt.Errorf("verify: predict day %d: %w", day, err)
			}

			res.Times[di] = arc.Times[day]
			res.Predictions[di] = preds[0]
			res.Targets[di] = batch.Targets[0]
			res.SelectorScores[di], res.SelectorRanks[di] = scoresAndRanks(selection)
			res.VerifScores[di], res.VerifRanks[di] = scoresAndRanks(verif)
			res.LastTimeScores[di], res.LastTimeRanks[di] = scoresAndRanks(lastTime)

			logger.Infow("validation day scored",
				"day", day,
				"selector_rank_score", RankScore(res.SelectorRanks[di], res.VerifRanks[di]),
				"last_time_rank_score", RankScore(res.LastTimeRanks[di], res.VerifRanks[di]),
				"selector_score_mse", ScoreMSE(res.SelectorScores[di], res.VerifScores[di]),
				"last_time_score_mse", ScoreMSE(res.LastTimeScores[di], res.VerifScores[di]),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
