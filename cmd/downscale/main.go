package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/mikemorris12/downscale/internal/analogue"
	"github.com/mikemorris12/downscale/internal/biascorrect"
	"github.com/mikemorris12/downscale/internal/grid"
	"github.com/mikemorris12/downscale/internal/ingest"
	"github.com/mikemorris12/downscale/internal/ncio"
	"github.com/mikemorris12/downscale/internal/pipeline"
	"github.com/mikemorris12/downscale/internal/regrid"
	"github.com/mikemorris12/downscale/internal/render"
	"github.com/mikemorris12/downscale/internal/store"
	"github.com/mikemorris12/downscale/internal/window"
)

type Globals struct {
	DB          string `env:"DOWNSCALE_DB" help:"SQLite provenance database. Empty disables run recording."`
	MetricsAddr string `help:"Serve Prometheus metrics on this address for the duration of the run."`
	LogLevel    string `default:"info" enum:"debug,info,warn,error" help:"Log level."`
}

// pipelineFlags is the option surface shared by the bcca and dbcca
// commands.
type pipelineFlags struct {
	Hist   string `required:"" help:"NetCDF file with the historical model series."`
	Future string `required:"" help:"NetCDF file with the future model series."`
	Obs    string `required:"" help:"NetCDF file with the fine-resolution observations."`

	Var    string `default:"pr" help:"Model variable name."`
	ObsVar string `default:"pr" help:"Observation variable name."`
	Units  string `required:"" help:"Physical units of all three inputs, e.g. 'mm day-1'."`

	ConvertCalendar bool   `help:"Drop leap days from the observations to match a no-leap model calendar."`
	RegridMethod    string `default:"bilinear" help:"Regridding method for coarsening the observations."`

	BCMethod  string `default:"DQM" enum:"DQM,QDM,EQM" help:"Quantile-mapping method."`
	BCKind    string `default:"+" enum:"+,*" help:"Adjustment arithmetic: additive or multiplicative."`
	Quantiles int    `default:"20" help:"Number of quantiles in the adjustment."`

	Window          int     `default:"45" help:"Day-of-year window half-width for analogue candidates."`
	Analogues       int     `default:"30" help:"Analogues per timestep."`
	Penalty         string  `default:"none" enum:"none,l1,l2" help:"Regression penalty."`
	Lambda          float64 `default:"0" help:"Penalty strength for l1/l2."`
	Jitter          bool    `help:"Replace near-zero values with noise before the regression."`
	JitterThreshold float64 `default:"1e-6" help:"Magnitude below which values are jittered."`
	Transform       string  `default:"none" enum:"none,sqrt" help:"Transform applied before selection and regression."`
	Policy          string  `default:"truncate" enum:"truncate,error" help:"Behavior when fewer analogue candidates exist than requested."`

	Workers int   `default:"0" help:"Worker pool size. 0 means one per CPU."`
	Seed    int64 `default:"1" help:"Seed for reproducible jitter."`

	NoFuture bool `help:"Skip downscaling the future period; pass the masked future input through."`
}

func (f pipelineFlags) options(histPath, futurePath string) pipeline.Options {
	return pipeline.Options{
		Units:           f.Units,
		ConvertCalendar: f.ConvertCalendar,
		RegridMethod:    regrid.Method(f.RegridMethod),
		BC: biascorrect.Options{
			Method:     biascorrect.Method(f.BCMethod),
			Kind:       biascorrect.Kind(f.BCKind),
			Group:      biascorrect.GroupMonthly,
			NQuantiles: f.Quantiles,
		},
		WindowSize:   f.Window,
		WindowUnit:   window.UnitDays,
		NAnalogues:   f.Analogues,
		Metric:       analogue.MetricRMSE,
		Penalty:      analogue.Penalty(f.Penalty),
		Lambda:       f.Lambda,
		Jitter:       f.Jitter,
		JitterThresh: f.JitterThreshold,
		Transform:    analogue.Transform(f.Transform),
		Policy:       analogue.Policy(f.Policy),
		Workers:      f.Workers,
		Seed:         f.Seed,
		DoFuture:     !f.NoFuture,
		WriteOutput:  true,
		HistPath:     histPath,
		FuturePath:   futurePath,
	}
}

// loadInputs reads the three input series.
func (f pipelineFlags) loadInputs(sink ncio.Sink) (hist, future, obs *grid.Series, err error) {
	if hist, err = sink.ReadSeries(f.Hist, f.Var); err != nil {
		return nil, nil, nil, fmt.Errorf("read hist: %w", err)
	}
	if future, err = sink.ReadSeries(f.Future, f.Var); err != nil {
		return nil, nil, nil, fmt.Errorf("read future: %w", err)
	}
	if obs, err = sink.ReadSeries(f.Obs, f.ObsVar); err != nil {
		return nil, nil, nil, fmt.Errorf("read obs: %w", err)
	}
	return hist, future, obs, nil
}

type bccaCmd struct {
	pipelineFlags
	OutHist   string `required:"" help:"Output path for the downscaled historical series."`
	OutFuture string `required:"" help:"Output path for the downscaled future series."`
}

func (c *bccaCmd) Run(ctx context.Context, g *Globals, log *slog.Logger) error {
	rec, closeRec, err := openRecorder(g)
	if err != nil {
		return err
	}
	defer closeRec()

	sink := ncio.Sink{}
	hist, future, obs, err := c.loadInputs(sink)
	if err != nil {
		return err
	}

	p, err := pipeline.NewBCCA(c.options(c.OutHist, c.OutFuture), sink, rec, log)
	if err != nil {
		return err
	}
	_, err = p.Run(ctx, hist, future, obs)
	return err
}

type dbccaCmd struct {
	pipelineFlags
	BCCAHist   string `required:"" help:"Path for the intermediate downscaled historical series. Reused if it already exists."`
	BCCAFuture string `required:"" help:"Path for the intermediate downscaled future series. Reused if it already exists."`

	BC2Method    string `default:"EQM" enum:"DQM,QDM,EQM" help:"Second-pass quantile-mapping method."`
	BC2Kind      string `default:"+" enum:"+,*" help:"Second-pass adjustment arithmetic."`
	BC2Quantiles int    `default:"20" help:"Second-pass quantile count."`

	OutHist   string `required:"" help:"Output path for the final historical series."`
	OutFuture string `required:"" help:"Output path for the final future series."`
}

func (c *dbccaCmd) Run(ctx context.Context, g *Globals, log *slog.Logger) error {
	rec, closeRec, err := openRecorder(g)
	if err != nil {
		return err
	}
	defer closeRec()

	sink := ncio.Sink{}
	hist, future, obs, err := c.loadInputs(sink)
	if err != nil {
		return err
	}

	opts := pipeline.DBCCAOptions{
		BCCA: c.options(c.BCCAHist, c.BCCAFuture),
		BC2: biascorrect.Options{
			Method:     biascorrect.Method(c.BC2Method),
			Kind:       biascorrect.Kind(c.BC2Kind),
			Group:      biascorrect.GroupMonthly,
			NQuantiles: c.BC2Quantiles,
		},
		WriteOutput: true,
		HistPath:    c.OutHist,
		FuturePath:  c.OutFuture,
	}
	p, err := pipeline.NewDBCCA(opts, sink, rec, log)
	if err != nil {
		return err
	}
	_, err = p.Run(ctx, hist, future, obs)
	return err
}

type fetchCmd struct {
	Host  string   `required:"" help:"FTP server address (host:port)."`
	User  string   `env:"FTP_USER" help:"FTP user. Empty means anonymous."`
	Pass  string   `env:"FTP_PASS" help:"FTP password."`
	Dest  string   `default:"data" help:"Destination directory."`
	Paths []string `arg:"" help:"Remote file paths to download."`
}

func (c *fetchCmd) Run(ctx context.Context, g *Globals, log *slog.Logger) error {
	f := ingest.NewFetcher(c.Host, c.User, c.Pass)
	for _, p := range c.Paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		local, err := f.Fetch(p, c.Dest)
		if err != nil {
			return err
		}
		log.Info("fetched archive", "remote", p, "local", local)
	}
	return nil
}

type renderCmd struct {
	In       string `arg:"" help:"NetCDF file to render."`
	Var      string `default:"pr" help:"Variable name."`
	Timestep int    `default:"0" help:"Timestep index to render."`
	Out      string `default:"field.png" help:"Output PNG path."`
}

func (c *renderCmd) Run(ctx context.Context, g *Globals, log *slog.Logger) error {
	s, err := ncio.Sink{}.ReadSeries(c.In, c.Var)
	if err != nil {
		return err
	}
	if c.Timestep < 0 || c.Timestep >= s.Len() {
		return fmt.Errorf("timestep %d out of range [0, %d)", c.Timestep, s.Len())
	}

	out, err := os.Create(c.Out)
	if err != nil {
		return err
	}

	label := fmt.Sprintf("%s %s", s.Name, s.Times[c.Timestep].Format("2006-01-02"))
	if err := render.Field(out, s.FieldAt(c.Timestep), label); err != nil {
		out.Close()
		return err
	}
	log.Info("rendered field", "file", c.Out, "timestep", c.Timestep)
	return out.Close()
}

var cli struct {
	Globals

	BCCA   bccaCmd   `cmd:"" name:"bcca" help:"Run the constructed-analogues downscaling pipeline."`
	DBCCA  dbccaCmd  `cmd:"" name:"dbcca" help:"Run the double-bias-corrected downscaling pipeline."`
	Fetch  fetchCmd  `cmd:"" help:"Download input archives over FTP."`
	Render renderCmd `cmd:"" help:"Render one timestep of a NetCDF series as a PNG quick-look."`
}

func openRecorder(g *Globals) (pipeline.Recorder, func(), error) {
	if g.DB == "" {
		return nil, func() {}, nil
	}
	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { db.Close() }, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("downscale"),
		kong.Description("Statistical downscaling of gridded climate model output by constructed analogues."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cli.LogLevel)}))
	slog.SetDefault(log)

	if cli.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(&cli.Globals)
	kctx.Bind(log)
	kctx.FatalIfErrorf(kctx.Run())
}
