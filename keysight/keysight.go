// Package keysight provides access to Keysight benchtop instruments in Go.
//
// Both the DMM and the power supply speak SCPI over a raw socket, port 5025
// on most models, with newline terminators.
package keysight

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/labauto/comm"
	"github.com/nasa-jpl/labauto/scpi"
)

const ioTimeout = 10 * time.Second

func newSCPI(addr string, handshake bool) scpi.SCPI {
	term := comm.Terminators{Tx: '\n', Rx: '\n'}
	rd := comm.NewRemoteDevice(addr, false, &term, nil)
	rd.Timeout = ioTimeout
	return scpi.SCPI{RemoteDevice: &rd, Handshaking: handshake}
}

// Voltmeter reads a DC voltage
type Voltmeter interface {
	Voltage() (float64, error)
}

// Source is a programmable DC voltage source
type Source interface {
	SetVoltage(volts float64) error
	SetOutput(on bool) error
}

// DMM is a remote interface to the 34461A and other DMMs with the same SCPI
// interface, including the DAQ973A's internal DMM
type DMM struct {
	scpi.SCPI
}

// NewDMM creates a new DMM instance
func NewDMM(addr string) *DMM {
	return &DMM{newSCPI(addr, false)}
}

// Identify returns the *IDN? string
func (d *DMM) Identify() (string, error) {
	return d.ReadString("*IDN?")
}

// Voltage takes a single DC voltage measurement, autoranged
func (d *DMM) Voltage() (float64, error) {
	return d.ReadFloat("MEAS:VOLT:DC?")
}

// SetNPLC sets the integration time in power line cycles
func (d *DMM) SetNPLC(nplc float64) error {
	return d.Write(fmt.Sprintf("VOLT:DC:NPLC %g", nplc))
}

// Supply is a remote interface to the E36300 series and other DC power
// supplies with the same SCPI interface.  Writes are handshaken.
type Supply struct {
	scpi.SCPI
}

// NewSupply creates a new power supply instance
func NewSupply(addr string) *Supply {
	return &Supply{newSCPI(addr, true)}
}

// SetVoltage sets the output voltage setpoint
func (s *Supply) SetVoltage(volts float64) error {
	return s.Write(fmt.Sprintf("VOLT %f", volts))
}

// GetVoltage returns the output voltage setpoint
func (s *Supply) GetVoltage() (float64, error) {
	return s.ReadFloat("VOLT?")
}

// SetCurrentLimit sets the output current limit in amps
func (s *Supply) SetCurrentLimit(amps float64) error {
	return s.Write(fmt.Sprintf("CURR %f", amps))
}

// SetOutput turns the output on or off
func (s *Supply) SetOutput(on bool) error {
	var mnemonic string
	if on {
		mnemonic = "ON"
	} else {
		mnemonic = "OFF"
	}
	return s.Write("OUTP " + mnemonic)
}

// GetOutput returns true if the output is on
func (s *Supply) GetOutput() (bool, error) {
	return s.ReadBool("OUTP?")
}
