package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"chatd/internal/chat"
	"chatd/internal/netpoll"
)

var (
	// ErrDisconnected reports a zero-byte read: the peer half-closed.
	ErrDisconnected = errors.New("peer closed the connection")

	// ErrInvalidUTF8 reports a complete line that is not well-formed
	// UTF-8. The line is discarded; the connection stays open.
	ErrInvalidUTF8 = errors.New("line is not valid utf-8")

	errLineTooLong = errors.New("line exceeds maximum length")
)

type connState uint8

const (
	stateOpen connState = iota
	stateClosed
)

// readChunk is the size of a single non-blocking read.
const readChunk = 4096

// Conn is the per-socket state: read buffer, outbound queue, interest set,
// and lifecycle. It frames lines and nothing more; interpretation belongs to
// the server. A Conn is owned exclusively by the server's connection table.
type Conn struct {
	fd       int
	token    chat.Token
	interest netpoll.Interest

	readBuf   []byte
	sendQueue [][]byte // FIFO of shared immutable payloads

	state        connState
	failedReads  int
	failedWrites int
}

func newConn(fd int, token chat.Token) *Conn {
	return &Conn{
		fd:       fd,
		token:    token,
		interest: netpoll.Readable | netpoll.Writable,
		state:    stateOpen,
	}
}

// Token returns the slab token this connection is registered under.
func (c *Conn) Token() chat.Token { return c.token }

// Closed reports whether the connection has left the Open state.
func (c *Conn) Closed() bool { return c.state == stateClosed }

// Read performs one non-blocking read and returns the next complete line,
// terminator included. A (nil, nil) return means more bytes are needed.
// Bytes past the first terminator stay buffered for BufferedLine.
func (c *Conn) Read() ([]byte, error) {
	var chunk [readChunk]byte
	n, err := unix.Read(c.fd, chunk[:])

	switch {
	case err == unix.EAGAIN:
		c.failedReads = 0
		return nil, nil
	case err != nil:
		c.failedReads++
		if c.failedReads >= MaxIOFailures {
			c.state = stateClosed
		}
		return nil, os.NewSyscallError("read", err)
	case n == 0:
		c.state = stateClosed
		return nil, ErrDisconnected
	}

	if len(c.readBuf)+n > MaxLineBytes {
		c.readBuf = c.readBuf[:0]
		c.failedReads++
		if c.failedReads >= MaxIOFailures {
			c.state = stateClosed
		}
		return nil, fmt.Errorf("token %d: %w", int(c.token), errLineTooLong)
	}
	c.failedReads = 0
	c.readBuf = append(c.readBuf, chunk[:n]...)
	return c.cutLine()
}

// BufferedLine cuts the next complete line out of the read buffer without
// touching the socket. The server drains these after every Read so that a
// multi-line chunk is fully consumed under one-shot notification.
func (c *Conn) BufferedLine() ([]byte, error) {
	return c.cutLine()
}

func (c *Conn) cutLine() ([]byte, error) {
	i := bytes.IndexByte(c.readBuf, '\n')
	if i < 0 {
		return nil, nil
	}

	line := make([]byte, i+1)
	copy(line, c.readBuf[:i+1])
	rest := copy(c.readBuf, c.readBuf[i+1:])
	c.readBuf = c.readBuf[:rest]

	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}
	return line, nil
}

// Write attempts to send the head of the outbound queue. A would-block
// leaves the buffer queued and counts a failure; a real error drops the
// buffer. Three consecutive failures close the connection. When the queue
// drains, writable interest is cleared.
func (c *Conn) Write() error {
	if len(c.sendQueue) == 0 {
		c.interest &^= netpoll.Writable
		return nil
	}

	buf := c.sendQueue[0]
	n, err := unix.Write(c.fd, buf)

	switch {
	case err == unix.EAGAIN || (err == nil && n == 0):
		c.failedWrites++
		if c.failedWrites >= MaxIOFailures {
			c.state = stateClosed
			return fmt.Errorf("token %d: %d consecutive blocked writes", int(c.token), c.failedWrites)
		}
		return nil
	case err != nil:
		c.sendQueue = c.sendQueue[1:]
		c.failedWrites++
		if c.failedWrites >= MaxIOFailures {
			c.state = stateClosed
		}
		if len(c.sendQueue) == 0 {
			c.interest &^= netpoll.Writable
		}
		return os.NewSyscallError("write", err)
	}

	c.failedWrites = 0
	if n < len(buf) {
		c.sendQueue[0] = buf[n:]
	} else {
		c.sendQueue = c.sendQueue[1:]
	}
	if len(c.sendQueue) == 0 {
		c.interest &^= netpoll.Writable
	}
	return nil
}

// Enqueue appends a shared payload to the outbound queue and sets writable
// interest. The payload must not be mutated after the call.
func (c *Conn) Enqueue(buf []byte) {
	c.sendQueue = append(c.sendQueue, buf)
	c.interest |= netpoll.Writable
}

// QueueLen returns the number of pending outbound buffers.
func (c *Conn) QueueLen() int { return len(c.sendQueue) }

// Quit transitions to Closed without any I/O. Used by the /quit command; the
// server tears the connection down on return.
func (c *Conn) Quit() {
	c.state = stateClosed
}

func (c *Conn) register(p *netpoll.Poller) error {
	return p.Register(c.fd, int(c.token), c.interest)
}

func (c *Conn) reregister(p *netpoll.Poller) error {
	return p.Reregister(c.fd, int(c.token), c.interest)
}

func (c *Conn) deregister(p *netpoll.Poller) error {
	return p.Deregister(c.fd)
}

func (c *Conn) close() {
	unix.Close(c.fd)
}
