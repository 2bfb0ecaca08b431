package keysight

import (
	"math/rand"
	"sync"
)

// MockSupply is an in-memory Source
type MockSupply struct {
	mu    sync.Mutex
	volts float64
	on    bool
}

// SetVoltage stores the setpoint
func (m *MockSupply) SetVoltage(volts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volts = volts
	return nil
}

// GetVoltage returns the setpoint
func (m *MockSupply) GetVoltage() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volts, nil
}

// SetOutput turns the output on or off
func (m *MockSupply) SetOutput(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = on
	return nil
}

// GetOutput returns true if the output is on
func (m *MockSupply) GetOutput() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on, nil
}

// output is the voltage at the terminals
func (m *MockSupply) output() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.on {
		return 0
	}
	return m.volts
}

// MockDMM is a Voltmeter wired across a MockSupply.  Readings are the
// supply's output scaled by Gain, plus uniform noise of +/- Noise volts.
type MockDMM struct {
	Supply *MockSupply
	Gain   float64
	Noise  float64
}

// NewMockPair returns a mock DMM reading a mock supply with unity gain and no
// noise
func NewMockPair() (*MockDMM, *MockSupply) {
	s := &MockSupply{}
	return &MockDMM{Supply: s, Gain: 1}, s
}

// Voltage takes a reading
func (m *MockDMM) Voltage() (float64, error) {
	v := 0.
	if m.Supply != nil {
		v = m.Supply.output() * m.Gain
	}
	if m.Noise > 0 {
		v += (2*rand.Float64() - 1) * m.Noise
	}
	return v, nil
}
