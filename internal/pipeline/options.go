// Package pipeline orchestrates the full downscaling runs: the
// constructed-analogues pipeline (coarsen, mask, bias-correct,
// per-timestep analogue construction) and its double-bias-correction
// variant that re-corrects the downscaled output against the fine
// observations.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mikemorris12/downscale/internal/analogue"
	"github.com/mikemorris12/downscale/internal/biascorrect"
	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/regrid"
	"github.com/mikemorris12/downscale/internal/window"
)

// ConfigError reports an invalid option value, caught before any
// computation starts.
type ConfigError struct {
	Field string
	Msg   string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// Sink persists and loads gridded series. ncio.Sink is the NetCDF
// implementation.
type Sink interface {
	WriteSeries(path string, s *grid.Series) error
	ReadSeries(path, varname string) (*grid.Series, error)
}

// Recorder stores run provenance. store.Store is the SQLite
// implementation; a nil Recorder disables recording.
type Recorder interface {
	InsertRun(kind, variable, optionsJSON string) (int64, error)
	FinishRun(id int64, status string) error
	InsertWeights(runID int64, period string, target time.Time, w analogue.Weights) error
}

// Options configures one downscaling run.
type Options struct {
	// Units is attached to all three inputs before any computation.
	// The caller is responsible for the values actually being in this
	// unit; only the tags are checked downstream.
	Units string

	// ConvertCalendar drops leap days from the fine observations so
	// their calendar matches a no-leap model calendar.
	ConvertCalendar bool

	RegridMethod regrid.Method

	BC biascorrect.Options

	WindowSize int
	WindowUnit window.Unit

	NAnalogues   int
	Metric       analogue.Metric
	Penalty      analogue.Penalty
	Lambda       float64
	Jitter       bool
	JitterThresh float64
	Transform    analogue.Transform
	Policy       analogue.Policy

	Workers int
	Seed    int64

	// DoFuture runs the analogue loop over the future period too.
	// When false the future output is the masked, uncorrected future
	// input passed through unchanged.
	DoFuture bool

	// WriteOutput persists both outputs through the sink and returns
	// no data; otherwise both series are returned and the paths are
	// unused. The two modes are mutually exclusive.
	WriteOutput bool
	HistPath    string
	FuturePath  string
}

// Validate checks every closed-enum option and the output mode. It
// returns a ConfigError naming the first offending field.
func (o Options) Validate() error {
	if err := o.RegridMethod.Validate(); err != nil {
		return ConfigError{Field: "regrid method", Msg: err.Error()}
	}
	if err := o.BC.Validate(); err != nil {
		return ConfigError{Field: "bias correction", Msg: err.Error()}
	}
	if o.WindowUnit != window.UnitDays {
		return ConfigError{Field: "window unit", Msg: window.ErrUnsupportedUnit{Unit: o.WindowUnit}.Error()}
	}
	if o.WindowSize < 0 {
		return ConfigError{Field: "window size", Msg: fmt.Sprintf("must be non-negative, got %d", o.WindowSize)}
	}
	if o.NAnalogues < 1 {
		return ConfigError{Field: "analogue count", Msg: fmt.Sprintf("must be positive, got %d", o.NAnalogues)}
	}
	if err := o.Metric.Validate(); err != nil {
		return ConfigError{Field: "metric", Msg: err.Error()}
	}
	if err := o.Penalty.Validate(); err != nil {
		return ConfigError{Field: "penalty", Msg: err.Error()}
	}
	if o.Lambda < 0 {
		return ConfigError{Field: "lambda", Msg: fmt.Sprintf("must be non-negative, got %g", o.Lambda)}
	}
	if err := o.Transform.Validate(); err != nil {
		return ConfigError{Field: "transform", Msg: err.Error()}
	}
	if err := o.Policy.Validate(); err != nil {
		return ConfigError{Field: "analogue policy", Msg: err.Error()}
	}
	if o.WriteOutput && (o.HistPath == "" || o.FuturePath == "") {
		return ConfigError{Field: "output paths", Msg: "both hist and future paths are required when writing output"}
	}
	return nil
}

// provenanceJSON summarizes the options that determine the output,
// for the run record.
func (o Options) provenanceJSON() string {
	b, err := json.Marshal(map[string]any{
		"units":         o.Units,
		"regrid_method": o.RegridMethod,
		"bc_method":     o.BC.Method,
		"bc_kind":       o.BC.Kind,
		"window_size":   o.WindowSize,
		"n_analogues":   o.NAnalogues,
		"penalty":       o.Penalty,
		"lambda":        o.Lambda,
		"jitter":        o.Jitter,
		"transform":     o.Transform,
		"seed":          o.Seed,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}
