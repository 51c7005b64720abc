// Package ncio reads and writes gridded time series as NetCDF
// files: one data variable over (time, lat, lon) with units and
// calendar attributes.
package ncio

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fhs/go-netcdf/netcdf"

	"github.com/mikemorris12/downscale/internal/grid"
)

const (
	epochYear = 1850
	timeUnits = "days since 1850-01-01 00:00:00"
)

var epoch = time.Date(epochYear, 1, 1, 0, 0, 0, 0, time.UTC)

// Sink persists series to NetCDF files on the local filesystem.
type Sink struct{}

// WriteSeries writes the series to path, clobbering any existing file.
func (Sink) WriteSeries(path string, s *grid.Series) error {
	ds, err := netcdf.CreateFile(path, netcdf.CLOBBER)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer ds.Close()

	timeDim, err := ds.AddDim("time", uint64(s.Len()))
	if err != nil {
		return fmt.Errorf("add time dim: %w", err)
	}
	latDim, err := ds.AddDim("lat", uint64(s.Grid.NLat()))
	if err != nil {
		return fmt.Errorf("add lat dim: %w", err)
	}
	lonDim, err := ds.AddDim("lon", uint64(s.Grid.NLon()))
	if err != nil {
		return fmt.Errorf("add lon dim: %w", err)
	}

	timeVar, err := ds.AddVar("time", netcdf.DOUBLE, []netcdf.Dim{timeDim})
	if err != nil {
		return fmt.Errorf("add time var: %w", err)
	}
	if err := timeVar.Attr("units").WriteBytes([]byte(timeUnits)); err != nil {
		return fmt.Errorf("write time units: %w", err)
	}
	if err := timeVar.Attr("calendar").WriteBytes([]byte(s.Calendar)); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	latVar, err := ds.AddVar("lat", netcdf.DOUBLE, []netcdf.Dim{latDim})
	if err != nil {
		return fmt.Errorf("add lat var: %w", err)
	}
	lonVar, err := ds.AddVar("lon", netcdf.DOUBLE, []netcdf.Dim{lonDim})
	if err != nil {
		return fmt.Errorf("add lon var: %w", err)
	}
	name := s.Name
	if name == "" {
		name = "data"
	}
	dataVar, err := ds.AddVar(name, netcdf.DOUBLE, []netcdf.Dim{timeDim, latDim, lonDim})
	if err != nil {
		return fmt.Errorf("add data var %q: %w", name, err)
	}
	if s.Units != "" {
		if err := dataVar.Attr("units").WriteBytes([]byte(s.Units)); err != nil {
			return fmt.Errorf("write data units: %w", err)
		}
	}
	if err := ds.EndDef(); err != nil {
		return fmt.Errorf("end define mode: %w", err)
	}

	times := make([]float64, s.Len())
	for i, t := range s.Times {
		times[i] = encodeTime(t, s.Calendar)
	}
	if err := timeVar.WriteFloat64s(times); err != nil {
		return fmt.Errorf("write times: %w", err)
	}
	if err := latVar.WriteFloat64s(s.Grid.Lats); err != nil {
		return fmt.Errorf("write lats: %w", err)
	}
	if err := lonVar.WriteFloat64s(s.Grid.Lons); err != nil {
		return fmt.Errorf("write lons: %w", err)
	}

	flat := make([]float64, s.Len()*s.Grid.NCells())
	for t := range s.Data {
		copy(flat[t*s.Grid.NCells():], s.Data[t])
	}
	if err := dataVar.WriteFloat64s(flat); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// ReadSeries reads the named variable from path.
func (Sink) ReadSeries(path, varname string) (*grid.Series, error) {
	ds, err := netcdf.OpenFile(path, netcdf.NOWRITE)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()

	lats, err := readFloat64Var(ds, "lat")
	if err != nil {
		return nil, err
	}
	lons, err := readFloat64Var(ds, "lon")
	if err != nil {
		return nil, err
	}
	rawTimes, err := readFloat64Var(ds, "time")
	if err != nil {
		return nil, err
	}

	timeVar, err := ds.Var("time")
	if err != nil {
		return nil, fmt.Errorf("time variable: %w", err)
	}
	cal := grid.CalendarStandard
	if b, err := readBytesAttr(timeVar, "calendar"); err == nil {
		if c := grid.Calendar(strings.TrimRight(string(b), "\x00")); c == grid.CalendarNoLeap {
			cal = grid.CalendarNoLeap
		}
	}

	g := grid.NewGrid(lats, lons)
	times := make([]time.Time, len(rawTimes))
	for i, d := range rawTimes {
		times[i] = decodeTime(d, cal)
	}

	dataVar, err := ds.Var(varname)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", varname, err)
	}
	n, err := dataVar.Len()
	if err != nil {
		return nil, fmt.Errorf("variable %q length: %w", varname, err)
	}
	want := uint64(len(times) * g.NCells())
	if n != want {
		return nil, fmt.Errorf("variable %q holds %d values, want %d", varname, n, want)
	}
	flat := make([]float64, n)
	if err := dataVar.ReadFloat64s(flat); err != nil {
		return nil, fmt.Errorf("read %q: %w", varname, err)
	}

	s := grid.NewSeries(varname, g, times)
	s.Calendar = cal
	if b, err := readBytesAttr(dataVar, "units"); err == nil {
		s.Units = strings.TrimRight(string(b), "\x00")
	}
	for t := range s.Data {
		copy(s.Data[t], flat[t*g.NCells():(t+1)*g.NCells()])
	}
	return s, nil
}

func readFloat64Var(ds netcdf.Dataset, name string) ([]float64, error) {
	v, err := ds.Var(name)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", name, err)
	}
	n, err := v.Len()
	if err != nil {
		return nil, fmt.Errorf("variable %q length: %w", name, err)
	}
	out := make([]float64, n)
	if err := v.ReadFloat64s(out); err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return out, nil
}

func readBytesAttr(v netcdf.Var, name string) ([]byte, error) {
	a := v.Attr(name)
	n, err := a.Len()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err := a.ReadBytes(b); err != nil {
		return nil, err
	}
	return b, nil
}

// encodeTime converts a timestamp to fractional days since the
// epoch. The noleap calendar counts 365 days per year, skipping any
// Feb 29 position.
func encodeTime(t time.Time, cal grid.Calendar) float64 {
	if cal == grid.CalendarNoLeap {
		return float64((t.Year()-epochYear)*365 + grid.DayOfYearNoLeap(t) - 1)
	}
	return t.Sub(epoch).Hours() / 24
}

func decodeTime(d float64, cal grid.Calendar) time.Time {
	if cal == grid.CalendarNoLeap {
		days := int(math.Round(d))
		year := epochYear + days/365
		doy := days%365 + 1
		return grid.DateFromDayOfYearNoLeap(year, doy)
	}
	whole := math.Floor(d)
	frac := d - whole
	return epoch.AddDate(0, 0, int(whole)).Add(time.Duration(frac * 24 * float64(time.Hour)))
}
