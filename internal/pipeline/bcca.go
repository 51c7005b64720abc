package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikemorris12/downscale/internal/analogue"
	"github.com/mikemorris12/downscale/internal/biascorrect"
	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/metrics"
	"github.com/mikemorris12/downscale/internal/regrid"
	"github.com/mikemorris12/downscale/internal/window"
)

// BCCA runs the constructed-analogues pipeline: coarsen the fine
// observations to the model grid, mask the model series by the
// observed data voids, bias-correct, then build one downscaled field
// per model timestep.
type BCCA struct {
	opts Options
	sink Sink
	rec  Recorder
	log  *slog.Logger

	// rg is built on first use and reused across Run calls on the
	// same grid pair.
	rg *regrid.Regridder
}

// Result is the pair of downscaled series. It is nil when the run
// was configured to persist instead.
type Result struct {
	Hist   *grid.Series
	Future *grid.Series
}

// NewBCCA validates the options and returns a pipeline. sink may be
// nil when WriteOutput is false; rec may be nil to disable
// provenance recording; log may be nil.
func NewBCCA(opts Options, sink Sink, rec Recorder, log *slog.Logger) (*BCCA, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.WriteOutput && sink == nil {
		return nil, ConfigError{Field: "sink", Msg: "required when writing output"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &BCCA{opts: opts, sink: sink, rec: rec, log: log}, nil
}

// Run downscales the hist and future model series against the fine
// observations. Inputs are not modified.
func (p *BCCA) Run(ctx context.Context, gcmHist, gcmFuture, obsFine *grid.Series) (*Result, error) {
	res, err := p.run(ctx, gcmHist, gcmFuture, obsFine)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PipelineRuns.WithLabelValues("bcca", status).Inc()
	return res, err
}

func (p *BCCA) run(ctx context.Context, gcmHist, gcmFuture, obsFine *grid.Series) (*Result, error) {
	hist := gcmHist.Copy()
	future := gcmFuture.Copy()
	fine := obsFine.Copy()
	hist.Units = p.opts.Units
	future.Units = p.opts.Units
	fine.Units = p.opts.Units

	if p.opts.ConvertCalendar {
		fine = grid.ConvertNoLeap(fine)
	}

	if p.rg == nil {
		rg, err := regrid.New(fine.Grid, hist.Grid, p.opts.RegridMethod)
		if err != nil {
			return nil, fmt.Errorf("build regridder: %w", err)
		}
		p.rg = rg
	}
	coarse, err := p.rg.ApplySeries(fine)
	if err != nil {
		return nil, fmt.Errorf("coarsen observations: %w", err)
	}
	coarse.Units = p.opts.Units

	mask := coarse.FieldAt(0)
	if err := hist.MaskWhereMissing(mask); err != nil {
		return nil, fmt.Errorf("mask hist: %w", err)
	}
	if err := future.MaskWhereMissing(mask); err != nil {
		return nil, fmt.Errorf("mask future: %w", err)
	}
	// The DoFuture=false passthrough returns the masked future before
	// bias correction touches it.
	maskedFuture := future.Copy()

	trained, err := biascorrect.Train(coarse, hist, p.opts.BC)
	if err != nil {
		return nil, fmt.Errorf("train bias correction: %w", err)
	}
	histBC, err := trained.Adjust(hist)
	if err != nil {
		return nil, fmt.Errorf("bias-correct hist: %w", err)
	}
	futureBC, err := trained.Adjust(future)
	if err != nil {
		return nil, fmt.Errorf("bias-correct future: %w", err)
	}

	win, err := window.Build(p.opts.WindowSize, p.opts.WindowUnit)
	if err != nil {
		return nil, fmt.Errorf("build window map: %w", err)
	}
	ctor := &analogue.Constructor{
		Window:       win,
		NAnalogues:   p.opts.NAnalogues,
		Metric:       p.opts.Metric,
		Penalty:      p.opts.Penalty,
		Lambda:       p.opts.Lambda,
		Jitter:       p.opts.Jitter,
		JitterThresh: p.opts.JitterThresh,
		Transform:    p.opts.Transform,
		Policy:       p.opts.Policy,
		Workers:      p.opts.Workers,
		Seed:         p.opts.Seed,
		Log:          p.log,
	}

	var runID int64
	if p.rec != nil {
		runID, err = p.rec.InsertRun("bcca", hist.Name, p.opts.provenanceJSON())
		if err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	downHist, wHist, err := ctor.ConstructSeries(ctx, histBC, coarse, fine, "hist")
	if err != nil {
		p.finishRun(runID, "error")
		return nil, fmt.Errorf("construct hist: %w", err)
	}
	p.recordWeights(runID, "hist", downHist.Times, wHist)

	var downFuture *grid.Series
	if p.opts.DoFuture {
		var wFuture []analogue.Weights
		downFuture, wFuture, err = ctor.ConstructSeries(ctx, futureBC, coarse, fine, "future")
		if err != nil {
			p.finishRun(runID, "error")
			return nil, fmt.Errorf("construct future: %w", err)
		}
		p.recordWeights(runID, "future", downFuture.Times, wFuture)
	} else {
		p.log.Warn("future downscaling disabled; returning masked future input unchanged",
			"variable", future.Name, "timesteps", maskedFuture.Len())
		downFuture = maskedFuture
	}
	p.finishRun(runID, "ok")

	if p.opts.WriteOutput {
		if err := p.sink.WriteSeries(p.opts.HistPath, downHist); err != nil {
			return nil, fmt.Errorf("write hist output: %w", err)
		}
		if err := p.sink.WriteSeries(p.opts.FuturePath, downFuture); err != nil {
			return nil, fmt.Errorf("write future output: %w", err)
		}
		p.log.Info("wrote downscaled output", "hist", p.opts.HistPath, "future", p.opts.FuturePath)
		return nil, nil
	}
	return &Result{Hist: downHist, Future: downFuture}, nil
}

func (p *BCCA) finishRun(runID int64, status string) {
	if p.rec == nil {
		return
	}
	if err := p.rec.FinishRun(runID, status); err != nil {
		p.log.Error("finish run record", "run_id", runID, "error", err)
	}
}

func (p *BCCA) recordWeights(runID int64, period string, times []time.Time, ws []analogue.Weights) {
	if p.rec == nil {
		return
	}
	for t, w := range ws {
		if err := p.rec.InsertWeights(runID, period, times[t], w); err != nil {
			p.log.Error("record analogue weights", "run_id", runID, "period", period,
				"time", times[t], "error", err)
			return
		}
	}
}
