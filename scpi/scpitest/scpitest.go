// Package scpitest provides a fake SCPI instrument listening on loopback TCP
package scpitest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

// NoError is the SYSTem:ERRor? response for an empty error queue
const NoError = `+0,"No error"`

// Handler answers one command.  The response is written back only for
// queries.  A non-nil error is pushed onto the instrument's error queue.
type Handler func(cmd string) (string, error)

// Instrument is a fake SCPI instrument speaking newline-terminated commands
type Instrument struct {
	ln      net.Listener
	handler Handler
	hmu     sync.Mutex // handlers are never run concurrently

	mu       sync.Mutex
	received []string
	errs     []string
	conns    []net.Conn
}

// New starts an instrument on a loopback port.  It is shut down when the
// test ends.
func New(t testing.TB, h Handler) *Instrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	inst := &Instrument{ln: ln, handler: h}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst.serve(conn)
			}()
		}
	}()
	t.Cleanup(inst.closeConns)
	return inst
}

// Addr is the host:port the instrument listens on
func (i *Instrument) Addr() string {
	return i.ln.Addr().String()
}

// Received returns every command seen so far, handshake framing removed
func (i *Instrument) Received() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.received...)
}

// PushError adds an entry to the instrument's error queue
func (i *Instrument) PushError(msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errs = append(i.errs, msg)
}

func (i *Instrument) track(c net.Conn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.conns = append(i.conns, c)
}

func (i *Instrument) closeConns() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range i.conns {
		c.Close()
	}
	i.conns = nil
}

func (i *Instrument) popError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.errs) == 0 {
		return NoError
	}
	e := i.errs[0]
	i.errs = i.errs[1:]
	return e
}

func (i *Instrument) handle(cmd string) string {
	i.mu.Lock()
	i.received = append(i.received, cmd)
	i.mu.Unlock()
	if strings.EqualFold(cmd, "SYSTem:ERRor?") || strings.EqualFold(cmd, ":SYSTem:ERRor?") {
		return i.popError()
	}
	i.hmu.Lock()
	resp, err := i.handler(cmd)
	i.hmu.Unlock()
	if err != nil {
		i.PushError(fmt.Sprintf(`-113,"%s"`, err))
	}
	return resp
}

func (i *Instrument) serve(conn net.Conn) {
	i.track(conn)
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		handshake := strings.HasPrefix(line, "*CLS;") && strings.HasSuffix(line, ";:SYSTem:ERRor?")
		if handshake {
			i.mu.Lock()
			i.errs = nil
			i.mu.Unlock()
			line = strings.TrimSuffix(strings.TrimPrefix(line, "*CLS;"), ";:SYSTem:ERRor?")
		}
		resp := i.handle(line)
		query := strings.Contains(line, "?")
		switch {
		case handshake && query:
			resp = resp + ";" + i.popError()
		case handshake:
			resp = i.popError()
		case !query:
			continue
		}
		if _, err := io.WriteString(conn, resp+"\n"); err != nil {
			return
		}
	}
}
