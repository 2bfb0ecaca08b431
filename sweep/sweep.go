/*Package sweep is a voltage sweep experiment.

The supply is stepped linearly from start to stop in the given number of
points, paced at the given rate, and the DMM is read at every step.  Each step
is recorded as a row of (index, setpoint, reading) in a data.Data that is
auto-saved to a unique file in the given directory, so a sweep that is
aborted or crashes still leaves the rows it measured on disk.

The supply's output is turned on for the sweep and off again afterwards.
*/
package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/labauto/data"
	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/keysight"
	"github.com/nasa-jpl/labauto/param"
	"github.com/nasa-jpl/labauto/util"
)

// ProgressKeyword is emitted after every step with (step, points)
const ProgressKeyword = "progress"

// Schema is the layout of a sweep's data
var Schema = data.Schema{
	{Name: "index", Type: param.Int},
	{Name: "setpoint", Type: param.Float},
	{Name: "reading", Type: param.Float},
}

var (
	// ErrPoints is generated when a sweep has fewer than one point
	ErrPoints = errors.New("points must be at least 1")

	// ErrRate is generated when the step rate is not positive
	ErrRate = errors.New("rate must be positive")
)

// Sweep is the procedure.  Both instruments are required.
type Sweep struct {
	DMM    keysight.Voltmeter
	Supply keysight.Source

	// Directory is the default for the directory parameter, "." if empty
	Directory string

	// Limits bounds start and stop.  The zero value does not limit.
	Limits util.Limiter
}

// Parameters implements experiment.Procedure
func (s *Sweep) Parameters() []*param.Parameter {
	dir := s.Directory
	if dir == "" {
		dir = "."
	}
	return []*param.Parameter{
		param.New("start", "V", 0.),
		param.New("stop", "V", 1.),
		param.New("points", "", 11),
		param.New("rate", "Hz", 10.),
		param.New("directory", "", dir),
		param.New("prefix", "", "SWEEP"),
	}
}

type settings struct {
	start, stop float64
	points      int
	rate        float64
	directory   string
	prefix      string
}

func load(e *experiment.Experiment) (settings, error) {
	var (
		s    settings
		err  error
		errs error
	)
	s.start, err = e.Float("start")
	errs = multierr.Append(errs, err)
	s.stop, err = e.Float("stop")
	errs = multierr.Append(errs, err)
	s.points, err = e.Int("points")
	errs = multierr.Append(errs, err)
	s.rate, err = e.Float("rate")
	errs = multierr.Append(errs, err)
	s.directory, err = e.Text("directory")
	errs = multierr.Append(errs, err)
	s.prefix, err = e.Text("prefix")
	errs = multierr.Append(errs, err)
	return s, errs
}

// Verify implements experiment.Verifier
func (s *Sweep) Verify(e *experiment.Experiment) error {
	if s.DMM == nil || s.Supply == nil {
		return errors.New("sweep needs a DMM and a supply")
	}
	cfg, err := load(e)
	if err != nil {
		return err
	}
	if cfg.points < 1 {
		return fmt.Errorf("%w, got %d", ErrPoints, cfg.points)
	}
	if cfg.rate <= 0 {
		return fmt.Errorf("%w, got %g", ErrRate, cfg.rate)
	}
	if err := s.Limits.Check(cfg.start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := s.Limits.Check(cfg.stop); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fi, err := os.Stat(cfg.directory)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", cfg.directory)
	}
	return nil
}

// Execute implements experiment.Procedure.  The result is the *data.Data,
// which holds fewer than points rows if the sweep was aborted.
func (s *Sweep) Execute(ctx context.Context, e *experiment.Experiment) (result interface{}, err error) {
	cfg, err := load(e)
	if err != nil {
		return nil, err
	}
	d, err := data.New(Schema, data.WithBufferSize(cfg.points))
	if err != nil {
		return nil, err
	}
	for _, p := range e.Parameters() {
		if err := d.SetParameter(p); err != nil {
			e.Logf("%s not recorded in the header: %v", p.Name, err)
		}
	}
	if err := d.Comment("voltage sweep: " + e.Name()); err != nil {
		return nil, err
	}
	if err := d.AutoSaveUnique(cfg.directory, cfg.prefix); err != nil {
		return nil, err
	}
	e.Logf("recording to %s", d.AutoSaveFilename())

	if err := s.Supply.SetOutput(true); err != nil {
		return nil, fmt.Errorf("enabling supply output: %w", err)
	}
	defer func() {
		if off := s.Supply.SetOutput(false); off != nil {
			err = multierr.Append(err, fmt.Errorf("disabling supply output: %w", off))
		}
	}()

	setpoints := util.Linspace(cfg.start, cfg.stop, cfg.points)
	lim := rate.NewLimiter(rate.Limit(cfg.rate), 1)
	for i, v := range setpoints {
		if e.ShouldAbort() {
			e.Logf("aborted after %d of %d points", i, cfg.points)
			return d, nil
		}
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				e.Logf("aborted after %d of %d points", i, cfg.points)
				return d, nil
			}
			return d, err
		}
		if err := s.Supply.SetVoltage(v); err != nil {
			return d, fmt.Errorf("step %d: setting %g V: %w", i, v, err)
		}
		reading, err := s.DMM.Voltage()
		if err != nil {
			return d, fmt.Errorf("step %d: reading DMM: %w", i, err)
		}
		if err := d.Append(i, v, reading); err != nil {
			return d, fmt.Errorf("step %d: %w", i, err)
		}
		e.Emit(ProgressKeyword, i+1, cfg.points)
	}
	e.Logf("sweep complete, %d points", cfg.points)
	return d, nil
}
