package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tarm/serial"
	"go.uber.org/multierr"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/nasa-jpl/labauto/comm"
	"github.com/nasa-jpl/labauto/data"
	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/keysight"
	"github.com/nasa-jpl/labauto/manager"
	"github.com/nasa-jpl/labauto/scpi"
	"github.com/nasa-jpl/labauto/server"
	"github.com/nasa-jpl/labauto/sweep"
	"github.com/nasa-jpl/labauto/util"
)

// ObjSetup holds the address of one instrument.  Serial is not always used,
// and need not be populated in the config file if not used.
type ObjSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:5025 for a LAN instrument, or /dev/ttyS4 for an
	// RS232 device on a serial cable
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Baud is the serial baud rate, 9600 if zero
	Baud int `koanf:"Baud" yaml:"Baud"`
}

// Config is a struct that holds the initialization parameters for the server
// and the instruments it drives
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces the instruments with in-memory fakes
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// LogFile, if not empty, receives the log, rotated at 10 MB
	LogFile string `koanf:"LogFile" yaml:"LogFile"`

	// DataDir is the default directory experiments write their data to
	DataDir string `koanf:"DataDir" yaml:"DataDir"`

	// Continuous starts the next experiment as soon as one finishes
	Continuous bool `koanf:"Continuous" yaml:"Continuous"`

	// StartOnAdd starts an experiment as soon as it is queued, if idle
	StartOnAdd bool `koanf:"StartOnAdd" yaml:"StartOnAdd"`

	DMM    ObjSetup `koanf:"DMM" yaml:"DMM"`
	Supply ObjSetup `koanf:"Supply" yaml:"Supply"`

	// SupplyLimits bounds the voltages a sweep may request.  Zero disables.
	SupplyLimits util.Limiter `koanf:"SupplyLimits" yaml:"SupplyLimits"`
}

func defaultConfig() Config {
	return Config{
		Addr:    ":8000",
		DataDir: ".",
		DMM:     ObjSetup{Addr: "192.168.100.10:5025"},
		Supply:  ObjSetup{Addr: "192.168.100.11:5025"},

		SupplyLimits: util.Limiter{Min: -10, Max: 10},
	}
}

// setupLogging points the standard logger at c.LogFile, if set.  The returned
// closer flushes the file.
func setupLogging(c Config) io.Closer {
	if c.LogFile == "" {
		return io.NopCloser(nil)
	}
	if dir := filepath.Dir(c.LogFile); dir != "" {
		os.MkdirAll(dir, 0755)
	}
	l := &lj.Logger{
		Filename:   c.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, l))
	return l
}

// remote configures the SCPI transport of a keysight driver from an ObjSetup
func remote(s *scpi.SCPI, o ObjSetup) {
	if !o.Serial {
		return
	}
	baud := o.Baud
	if baud == 0 {
		baud = 9600
	}
	term := s.Term
	rd := comm.NewRemoteDevice(o.Addr, true, &term, &serial.Config{Baud: baud})
	rd.Timeout = s.Timeout
	s.RemoteDevice = &rd
}

// instruments builds the DMM and supply the config describes
func instruments(c Config) (keysight.Voltmeter, keysight.Source) {
	if c.Mock {
		dmm, psu := keysight.NewMockPair()
		dmm.Noise = 1e-4
		return dmm, psu
	}
	dmm := keysight.NewDMM(c.DMM.Addr)
	remote(&dmm.SCPI, c.DMM)
	psu := keysight.NewSupply(c.Supply.Addr)
	remote(&psu.SCPI, c.Supply)
	return dmm, psu
}

// BuildCatalog lists the procedures the server can queue
func BuildCatalog(c Config) server.Catalog {
	dmm, psu := instruments(c)
	return server.Catalog{
		"sweep": func() experiment.Procedure {
			return &sweep.Sweep{DMM: dmm, Supply: psu, Directory: c.DataDir, Limits: c.SupplyLimits}
		},
	}
}

// logHooks logs every experiment transition
type logHooks struct{}

func (logHooks) Running(e *experiment.Experiment) {
	log.Printf("%s (id %d) started", e.Name(), e.ID())
}

func (logHooks) Finished(e *experiment.Experiment, result interface{}) {
	log.Printf("%s (id %d) finished", e.Name(), e.ID())
}

func (logHooks) Failed(e *experiment.Experiment, err error) {
	log.Printf("%s (id %d) failed: %v", e.Name(), e.ID(), err)
}

func (logHooks) Aborted(e *experiment.Experiment) {
	log.Printf("%s (id %d) aborted", e.Name(), e.ID())
}

var _ manager.Hooks = logHooks{}

// convertFITS loads a saved data file and writes it as FITS to out, or next
// to in with a .fits extension if out is empty.  It returns the output path.
func convertFITS(in, out string) (path string, err error) {
	d, err := data.Load(in, nil)
	if err != nil {
		return "", err
	}
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".fits"
	}
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return out, d.WriteFITS(f)
}
