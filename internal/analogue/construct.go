package analogue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/metrics"
	"github.com/mikemorris12/downscale/internal/window"
)

// Constructor runs the full per-timestep analogue sequence: select,
// solve, reconstruct. It holds only immutable configuration and
// read-only references, so one Constructor is safe for concurrent
// timesteps.
type Constructor struct {
	Window       *window.Map
	NAnalogues   int
	Metric       Metric
	Penalty      Penalty
	Lambda       float64
	Jitter       bool
	JitterThresh float64
	Transform    Transform
	Policy       Policy

	// Workers bounds the per-timestep worker pool; zero means one
	// worker per CPU.
	Workers int
	// Seed makes jitter noise reproducible. Each timestep derives its
	// own source from Seed plus its index, so results do not depend
	// on scheduling order.
	Seed int64

	Log *slog.Logger
}

// Result is the downscaled output for one timestep plus the
// provenance needed to audit it.
type Result struct {
	Time    time.Time
	Field   grid.Field
	Weights Weights
}

// ConstructOne builds the downscaled field for a single model
// timestep.
func (c *Constructor) ConstructOne(field grid.Field, at time.Time, obsCoarse, obsFine *grid.Series, rng *rand.Rand) (Result, error) {
	start := time.Now()
	set, err := Select(field, at, obsCoarse, c.Window, c.NAnalogues, c.Metric, c.Transform, c.Policy)
	if err != nil {
		return Result{}, fmt.Errorf("select analogues at %s: %w", at.Format("2006-01-02"), err)
	}
	if len(set.Analogues) == 0 {
		return Result{}, ErrInsufficientAnalogues{Requested: c.NAnalogues, Available: 0, At: at}
	}
	metrics.AnalogueSearchDuration.Observe(time.Since(start).Seconds())

	start = time.Now()
	w, err := SolveWeights(field.Data, set, SolveOptions{
		Penalty:      c.Penalty,
		Lambda:       c.Lambda,
		Jitter:       c.Jitter,
		JitterThresh: c.JitterThresh,
		Transform:    c.Transform,
		Rand:         rng,
	})
	if err != nil {
		return Result{}, fmt.Errorf("solve weights at %s: %w", at.Format("2006-01-02"), err)
	}
	metrics.WeightSolveDuration.Observe(time.Since(start).Seconds())

	idx := make([]int, len(w.Times))
	for k, t := range w.Times {
		i := obsFine.IndexOfTime(t)
		if i < 0 {
			return Result{}, fmt.Errorf("analogue time %s missing from fine observations", t.Format("2006-01-02"))
		}
		idx[k] = i
	}
	fine := obsFine.SelectTimes(idx)

	out, err := Reconstruct(fine, w, c.Transform)
	if err != nil {
		return Result{}, fmt.Errorf("reconstruct at %s: %w", at.Format("2006-01-02"), err)
	}
	return Result{Time: at, Field: out, Weights: w}, nil
}

// ConstructSeries applies ConstructOne to every timestep of gcm over
// a bounded worker pool and concatenates the results in the original
// time order. Timesteps are independent: workers share only the
// read-only archives and the immutable window map, and each writes
// its own output slot.
//
// period labels metrics and log lines ("hist" or "future").
func (c *Constructor) ConstructSeries(ctx context.Context, gcm, obsCoarse, obsFine *grid.Series, period string) (*grid.Series, []Weights, error) {
	if err := gcm.CheckAligned(obsCoarse); err != nil {
		return nil, nil, fmt.Errorf("gcm vs coarse obs: %w", err)
	}
	if err := gcm.CheckUnits(obsCoarse); err != nil {
		return nil, nil, fmt.Errorf("gcm vs coarse obs: %w", err)
	}

	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	nt := gcm.Len()
	out := &grid.Series{
		Name:     gcm.Name,
		Units:    gcm.Units,
		Calendar: gcm.Calendar,
		Grid:     obsFine.Grid,
		Times:    append([]time.Time(nil), gcm.Times...),
		Data:     make([][]float64, nt),
	}
	weights := make([]Weights, nt)

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		mu       sync.Mutex
		firstErr error
	)
	for t := 0; t < nt; t++ {
		if ctx.Err() != nil {
			break
		}
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t int) {
			defer wg.Done()
			defer func() { <-sem }()

			rng := rand.New(rand.NewSource(c.Seed + int64(t)))
			res, err := c.ConstructOne(gcm.FieldAt(t), gcm.Times[t], obsCoarse, obsFine, rng)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			out.Data[t] = res.Field.Data
			weights[t] = res.Weights
			metrics.TimestepsDownscaled.WithLabelValues(period).Inc()
		}(t)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if c.Log != nil {
		c.Log.Info("constructed analogues", "period", period, "timesteps", nt, "workers", workers)
	}
	return out, weights, nil
}
