package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mikemorris12/downscale/internal/biascorrect"
	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/metrics"
)

// DBCCAOptions configures the double-bias-correction pipeline: a
// full BCCA run followed by a second quantile-mapping pass of the
// downscaled output against the fine observations.
type DBCCAOptions struct {
	BCCA Options

	// BC2 is the second-pass correction, fit between the fine
	// observations and the downscaled hist output. It may use a
	// different method than the first pass.
	BC2 biascorrect.Options

	// WriteOutput persists both final outputs through the sink;
	// otherwise both series are returned. Same exclusivity rule as
	// the inner pipeline.
	WriteOutput bool
	HistPath    string
	FuturePath  string
}

func (o DBCCAOptions) Validate() error {
	if err := o.BCCA.Validate(); err != nil {
		return err
	}
	if err := o.BC2.Validate(); err != nil {
		return ConfigError{Field: "second-pass bias correction", Msg: err.Error()}
	}
	if o.WriteOutput && (o.HistPath == "" || o.FuturePath == "") {
		return ConfigError{Field: "output paths", Msg: "both hist and future paths are required when writing output"}
	}
	return nil
}

// DBCCA chains a BCCA run through a second bias-correction pass.
type DBCCA struct {
	opts DBCCAOptions
	bcca *BCCA
	sink Sink
	rec  Recorder
	log  *slog.Logger
}

// NewDBCCA validates the options and returns a pipeline. sink is
// required: the inner run's persisted outputs are what make the
// skip-if-present shortcut possible.
func NewDBCCA(opts DBCCAOptions, sink Sink, rec Recorder, log *slog.Logger) (*DBCCA, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, ConfigError{Field: "sink", Msg: "required"}
	}
	if log == nil {
		log = slog.Default()
	}
	bcca, err := NewBCCA(opts.BCCA, sink, rec, log)
	if err != nil {
		return nil, err
	}
	return &DBCCA{opts: opts, bcca: bcca, sink: sink, rec: rec, log: log}, nil
}

// Run produces the double-corrected hist and future series. When the
// inner run's output paths both already exist the inner run is
// skipped and the files are loaded instead; existence of the paths
// is the only check, input content is not hashed.
func (p *DBCCA) Run(ctx context.Context, gcmHist, gcmFuture, obsFine *grid.Series) (*Result, error) {
	res, err := p.run(ctx, gcmHist, gcmFuture, obsFine)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PipelineRuns.WithLabelValues("dbcca", status).Inc()
	return res, err
}

func (p *DBCCA) run(ctx context.Context, gcmHist, gcmFuture, obsFine *grid.Series) (*Result, error) {
	downHist, downFuture, err := p.innerOutputs(ctx, gcmHist, gcmFuture, obsFine)
	if err != nil {
		return nil, err
	}

	fine := obsFine.Copy()
	fine.Units = p.opts.BCCA.Units
	if p.opts.BCCA.ConvertCalendar {
		fine = grid.ConvertNoLeap(fine)
	}

	var runID int64
	if p.rec != nil {
		runID, err = p.rec.InsertRun("dbcca", gcmHist.Name, p.opts.BCCA.provenanceJSON())
		if err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	trained, err := biascorrect.Train(fine, downHist, p.opts.BC2)
	if err != nil {
		p.finishRun(runID, "error")
		return nil, fmt.Errorf("train second-pass correction: %w", err)
	}
	outHist, err := trained.Adjust(downHist)
	if err != nil {
		p.finishRun(runID, "error")
		return nil, fmt.Errorf("second-pass correct hist: %w", err)
	}
	outHist.Name = obsFine.Name

	outFuture := downFuture
	if p.opts.BCCA.DoFuture {
		outFuture, err = trained.Adjust(downFuture)
		if err != nil {
			p.finishRun(runID, "error")
			return nil, fmt.Errorf("second-pass correct future: %w", err)
		}
		outFuture.Name = obsFine.Name
	} else {
		p.log.Warn("future downscaling disabled; second-pass correction skipped for future",
			"variable", downFuture.Name)
	}
	p.finishRun(runID, "ok")

	if p.opts.WriteOutput {
		if err := p.sink.WriteSeries(p.opts.HistPath, outHist); err != nil {
			return nil, fmt.Errorf("write hist output: %w", err)
		}
		if err := p.sink.WriteSeries(p.opts.FuturePath, outFuture); err != nil {
			return nil, fmt.Errorf("write future output: %w", err)
		}
		p.log.Info("wrote double-corrected output", "hist", p.opts.HistPath, "future", p.opts.FuturePath)
		return nil, nil
	}
	return &Result{Hist: outHist, Future: outFuture}, nil
}

// innerOutputs returns the downscaled hist and future series, either
// by loading the inner run's existing output files or by running it.
func (p *DBCCA) innerOutputs(ctx context.Context, gcmHist, gcmFuture, obsFine *grid.Series) (*grid.Series, *grid.Series, error) {
	hp, fp := p.opts.BCCA.HistPath, p.opts.BCCA.FuturePath
	if hp != "" && fp != "" && fileExists(hp) && fileExists(fp) {
		p.log.Info("reusing existing downscaled output", "hist", hp, "future", fp)
		downHist, err := p.sink.ReadSeries(hp, gcmHist.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", hp, err)
		}
		downFuture, err := p.sink.ReadSeries(fp, gcmFuture.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", fp, err)
		}
		return downHist, downFuture, nil
	}

	res, err := p.bcca.Run(ctx, gcmHist, gcmFuture, obsFine)
	if err != nil {
		return nil, nil, err
	}
	if res != nil {
		return res.Hist, res.Future, nil
	}

	// The inner run persisted its outputs; read them back.
	downHist, err := p.sink.ReadSeries(hp, gcmHist.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", hp, err)
	}
	downFuture, err := p.sink.ReadSeries(fp, gcmFuture.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", fp, err)
	}
	return downHist, downFuture, nil
}

func (p *DBCCA) finishRun(runID int64, status string) {
	if p.rec == nil {
		return
	}
	if err := p.rec.FinishRun(runID, status); err != nil {
		p.log.Error("finish run record", "run_id", runID, "error", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
