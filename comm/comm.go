/*Package comm provides an embeddable connection to remote lab hardware.

Most usages of this package will boil down to:
	1.  embed a *RemoteDevice in a type that represents your hardware.
	2.  pick the Terminators the device speaks.  Both default to a
		carriage return.
	3.  write methods on your type in terms of Send, Recv, and SendRecv.

A minimal example for a temperature sensor that responds to "RD?" with the
current temperature:

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		ms.Lock()
		defer ms.Unlock()
		resp, err := ms.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}

SendRecv opens the connection if it is not already open.  The connection is
kept until Close, or until an I/O error, after which the next call reopens it.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const defaultTimeout = 3 * time.Second

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("serial device has no serial configuration")

	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// DialFunc opens the underlying connection of a RemoteDevice
type DialFunc func() (io.ReadWriteCloser, error)

/*RemoteDevice has an address and can Open, Send, Recv, and Close.

Lock and Unlock serialize whole exchanges with the device; the I/O methods do
not lock on their own, so a query and its response are never interleaved
with another goroutine's.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is a host:port for TCP devices, or a port name for serial devices
	Addr string

	// Timeout bounds connect, and each read and write on a TCP connection
	Timeout time.Duration

	Term Terminators

	// Dial, if not nil, replaces the TCP or serial connection.  Tests use it
	// to talk to an in-memory fake.
	Dial DialFunc

	serialConf *serial.Config
	conn       io.ReadWriteCloser
	rx         *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice.  If serial is true, conf must be
// provided; its Name is set to addr.  term may be nil for carriage returns.
func NewRemoteDevice(addr string, serial bool, term *Terminators, conf *serial.Config) RemoteDevice {
	rd := RemoteDevice{
		Addr:    addr,
		Timeout: defaultTimeout,
		Term:    Terminators{Tx: '\r', Rx: '\r'},
	}
	if term != nil {
		rd.Term = *term
	}
	if serial {
		if conf == nil {
			rd.Dial = func() (io.ReadWriteCloser, error) { return nil, ErrNoSerialConf }
		} else {
			c := *conf
			c.Name = addr
			rd.serialConf = &c
		}
	}
	return rd
}

// IsOpen is true if there is a live connection
func (rd *RemoteDevice) IsOpen() bool {
	return rd.conn != nil
}

// Open the connection.  Refused connections fail immediately; other errors
// are retried with exponential backoff, since some controllers do not like
// being connection thrashed.
func (rd *RemoteDevice) Open() error {
	if rd.conn != nil {
		return nil
	}
	var last error
	op := func() error {
		err := rd.open()
		if err == nil {
			return nil
		}
		last = err
		if strings.Contains(strings.ToLower(err.Error()), "refused") || errors.Is(err, ErrNoSerialConf) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return fmt.Errorf("connecting to %s: %w", rd.Addr, last)
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch {
	case rd.Dial != nil:
		conn, err = rd.Dial()
	case rd.serialConf != nil:
		conn, err = serial.OpenPort(rd.serialConf)
	default:
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	rd.rx = bufio.NewReader(conn)
	return nil
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return defaultTimeout
	}
	return rd.Timeout
}

// Close the connection.  Closing a closed device is not an error.
func (rd *RemoteDevice) Close() error {
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rx = nil
	return err
}

// drop closes the connection after an I/O error so the next call reconnects
func (rd *RemoteDevice) drop(err error) error {
	rd.Close()
	return err
}

func (rd *RemoteDevice) refreshDeadline() {
	if c, ok := rd.conn.(net.Conn); ok {
		c.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// Send writes b to the remote, followed by the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	rd.refreshDeadline()
	buf := make([]byte, 0, len(b)+1)
	buf = append(append(buf, b...), rd.Term.Tx)
	if _, err := rd.conn.Write(buf); err != nil {
		return rd.drop(err)
	}
	return nil
}

// Recv receives one response from the remote and strips the Rx terminator.
// A trailing carriage return is also stripped when the terminator is a line
// feed.
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	rd.refreshDeadline()
	term := rd.Term.Rx
	buf, err := rd.rx.ReadBytes(term)
	if err != nil {
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return buf, rd.drop(ErrTerminatorNotFound)
		}
		return nil, rd.drop(err)
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	if term == '\n' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

// SendRecv opens the connection if needed, sends b, and returns the response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Open(); err != nil {
		return nil, err
	}
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
