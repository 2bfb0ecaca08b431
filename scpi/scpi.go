// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/nasa-jpl/labauto/comm"
)

// ErrEmptyResponse is generated when a query returns nothing
var ErrEmptyResponse = errors.New("empty response from device")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	*comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// deviceError converts a SYSTem:ERRor? response to an error; "+0" is no error
func deviceError(resp string) error {
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "+0") || strings.HasPrefix(resp, "0,") {
		return nil
	}
	return fmt.Errorf("device error: %s", resp)
}

func wrap(cmds []string, handshake bool) string {
	str := strings.Join(cmds, " ")
	if handshake {
		str = "*CLS;" + str + ";:SYSTem:ERRor?"
	}
	return str
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK.
// It is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.write(cmds, s.Handshaking)
}

func (s *SCPI) write(cmds []string, handshake bool) error {
	s.Lock()
	defer s.Unlock()
	str := wrap(cmds, handshake)
	if !handshake {
		if err := s.Open(); err != nil {
			return err
		}
		return s.Send([]byte(str))
	}
	resp, err := s.SendRecv([]byte(str))
	if err != nil {
		return err
	}
	return deviceError(string(resp))
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism.  With handshaking, the error status
// is split off the end of the response and checked.
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.writeRead(cmds, s.Handshaking)
}

func (s *SCPI) writeRead(cmds []string, handshake bool) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	resp, err := s.SendRecv([]byte(wrap(cmds, handshake)))
	if err != nil {
		return nil, err
	}
	if handshake {
		i := strings.LastIndexByte(string(resp), ';')
		if i < 0 {
			return resp, deviceError(string(resp))
		}
		if err := deviceError(string(resp[i+1:])); err != nil {
			return resp[:i], err
		}
		resp = resp[:i]
	}
	return resp, nil
}

// ReadString sends a command to the device, then reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.readString(cmds, s.Handshaking)
}

func (s *SCPI) readString(cmds []string, handshake bool) (string, error) {
	resp, err := s.writeRead(cmds, handshake)
	if err != nil {
		return "", err
	}
	str := strings.TrimSpace(string(resp))
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are accepted
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Raw sends a command to the device and returns a response if it was a
// query, else a blank string.  Handshaking is not used.
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.readString([]string{str}, false)
	}
	return "", s.write([]string{str}, false)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.readString([]string{"SYSTem:ERRor?"}, false)
	if err != nil {
		return err
	}
	return deviceError(str)
}

// maxErrors bounds AllErrors against a device that never reports +0
const maxErrors = 32

// AllErrors drains the error queue on the device and returns the errors
// combined, or nil if there were none
func (s *SCPI) AllErrors() error {
	var errs error
	for i := 0; i < maxErrors; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}
