package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"chatd/internal/netpoll"
)

// newTestPair returns a Conn wrapping one end of a non-blocking socketpair
// and the raw fd of the peer end.
func newTestPair(t *testing.T) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	c := newConn(fds[0], 2)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return c, fds[1]
}

// drainLines reads until the socket would block, collecting complete lines.
func drainLines(t *testing.T, c *Conn, into *[][]byte) {
	t.Helper()
	for {
		line, err := c.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == nil {
			return
		}
		*into = append(*into, line)
		for {
			buffered, err := c.BufferedLine()
			if err != nil {
				t.Fatalf("buffered line: %v", err)
			}
			if buffered == nil {
				break
			}
			*into = append(*into, buffered)
		}
	}
}

func TestReadFramesLinesAcrossChunkSplits(t *testing.T) {
	input := []byte("first line\nsecond\n")
	want := [][]byte{[]byte("first line\n"), []byte("second\n")}

	for split := 0; split <= len(input); split++ {
		t.Run(fmt.Sprintf("split=%d", split), func(t *testing.T) {
			c, peer := newTestPair(t)

			var got [][]byte
			for _, chunk := range [][]byte{input[:split], input[split:]} {
				if len(chunk) > 0 {
					if _, err := unix.Write(peer, chunk); err != nil {
						t.Fatalf("peer write: %v", err)
					}
				}
				drainLines(t, c, &got)
			}

			if len(got) != len(want) {
				t.Fatalf("got %d lines, want %d: %q", len(got), len(want), got)
			}
			for i := range want {
				if !bytes.Equal(got[i], want[i]) {
					t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

func TestReadKeepsBytesAfterTerminatorBuffered(t *testing.T) {
	c, peer := newTestPair(t)

	if _, err := unix.Write(peer, []byte("a\nb")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	line, err := c.Read()
	if err != nil || !bytes.Equal(line, []byte("a\n")) {
		t.Fatalf("first read = (%q, %v), want a\\n", line, err)
	}
	if buffered, err := c.BufferedLine(); buffered != nil || err != nil {
		t.Fatalf("partial line surfaced early: (%q, %v)", buffered, err)
	}

	if _, err := unix.Write(peer, []byte("\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	line, err = c.Read()
	if err != nil || !bytes.Equal(line, []byte("b\n")) {
		t.Fatalf("second read = (%q, %v), want b\\n", line, err)
	}
}

func TestReadZeroBytesMeansDisconnected(t *testing.T) {
	c, peer := newTestPair(t)
	unix.Close(peer)

	line, err := c.Read()
	if line != nil || !errors.Is(err, ErrDisconnected) {
		t.Fatalf("read after peer close = (%q, %v), want ErrDisconnected", line, err)
	}
	if !c.Closed() {
		t.Fatal("disconnect must close the connection")
	}
}

func TestReadDiscardsInvalidUTF8Line(t *testing.T) {
	c, peer := newTestPair(t)

	if _, err := unix.Write(peer, []byte{0xFF, 0xFE, '\n'}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	line, err := c.Read()
	if line != nil || !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("read = (%q, %v), want ErrInvalidUTF8", line, err)
	}
	if c.Closed() {
		t.Fatal("invalid utf-8 must not close the connection")
	}

	// The bad line is gone; the connection keeps framing.
	if _, err := unix.Write(peer, []byte("ok\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	line, err = c.Read()
	if err != nil || !bytes.Equal(line, []byte("ok\n")) {
		t.Fatalf("read after discard = (%q, %v), want ok\\n", line, err)
	}
}

func TestReadRejectsOverlongLine(t *testing.T) {
	c, peer := newTestPair(t)

	huge := bytes.Repeat([]byte{'a'}, MaxLineBytes+readChunk)
	go func() {
		// Blocking write from a goroutine; the reader side drains.
		unix.SetNonblock(peer, false)
		unix.Write(peer, huge)
	}()

	var rejected bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := c.Read()
		if line != nil {
			t.Fatalf("unexpected line %q", line)
		}
		if err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("overlong line was never rejected")
	}
	if c.failedReads != 1 {
		t.Fatalf("failedReads = %d after one rejection, want 1", c.failedReads)
	}
	if c.Closed() {
		t.Fatal("a single overlong line must not close the connection")
	}
	if len(c.readBuf) != 0 {
		t.Fatalf("read buffer not discarded, %d bytes left", len(c.readBuf))
	}
}

func TestOverlongLinesCloseAfterThreeRejections(t *testing.T) {
	c, peer := newTestPair(t)

	// A rejection empties the buffer, so a wire-driven line can only overflow
	// again after another full 64 KiB of buildup. Re-filling the buffer
	// between rounds exercises consecutive rejections directly.
	for i := 1; i <= MaxIOFailures; i++ {
		c.readBuf = append(c.readBuf[:0], bytes.Repeat([]byte{'a'}, MaxLineBytes)...)
		if _, err := unix.Write(peer, []byte{'a'}); err != nil {
			t.Fatalf("peer write: %v", err)
		}
		line, err := c.Read()
		if line != nil || !errors.Is(err, errLineTooLong) {
			t.Fatalf("round %d: read = (%q, %v), want errLineTooLong", i, line, err)
		}
		if c.failedReads != i {
			t.Fatalf("round %d: failedReads = %d, want %d", i, c.failedReads, i)
		}
		if i < MaxIOFailures && c.Closed() {
			t.Fatalf("closed after only %d rejections", i)
		}
	}
	if !c.Closed() {
		t.Fatal("connection must close at the third consecutive rejection")
	}
}

func TestSuccessfulReadResetsFailedReadCounter(t *testing.T) {
	c, peer := newTestPair(t)

	c.readBuf = append(c.readBuf[:0], bytes.Repeat([]byte{'a'}, MaxLineBytes)...)
	if _, err := unix.Write(peer, []byte{'a'}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if _, err := c.Read(); !errors.Is(err, errLineTooLong) {
		t.Fatalf("read = %v, want errLineTooLong", err)
	}
	if c.failedReads != 1 {
		t.Fatalf("failedReads = %d, want 1", c.failedReads)
	}

	if _, err := unix.Write(peer, []byte("ok\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	line, err := c.Read()
	if err != nil || !bytes.Equal(line, []byte("ok\n")) {
		t.Fatalf("read = (%q, %v), want ok\\n", line, err)
	}
	if c.failedReads != 0 {
		t.Fatalf("failedReads = %d after a successful read, want 0", c.failedReads)
	}
}

func TestWriteClosesAfterThreeBlockedWrites(t *testing.T) {
	c, peer := newTestPair(t)

	// Shrink the pipe, then fill it so every further write would block.
	_ = unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 1)
	_ = unix.SetsockoptInt(peer, unix.SOL_SOCKET, unix.SO_RCVBUF, 1)

	chunk := make([]byte, 64*1024)
	filled := false
	for i := 0; i < 1024; i++ {
		if _, err := unix.Write(c.fd, chunk); err != nil {
			if err != unix.EAGAIN {
				t.Fatalf("fill write: %v", err)
			}
			filled = true
			break
		}
	}
	if !filled {
		t.Fatal("could not fill the socket buffer")
	}

	c.Enqueue([]byte("hello\n"))
	for i := 0; i < MaxIOFailures; i++ {
		if c.Closed() {
			t.Fatalf("closed after only %d blocked writes", i)
		}
		_ = c.Write()
	}
	if !c.Closed() {
		t.Fatal("connection must close after three consecutive blocked writes")
	}
	if c.QueueLen() != 1 {
		t.Fatalf("blocked buffer must stay queued, queue len = %d", c.QueueLen())
	}
}

func TestWriteDrainsQueueAndClearsWritableInterest(t *testing.T) {
	c, peer := newTestPair(t)

	c.Enqueue([]byte("a\n"))
	c.Enqueue([]byte("b\n"))
	if err := c.Write(); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if c.interest&netpoll.Writable == 0 {
		t.Fatal("writable interest dropped while queue is non-empty")
	}
	if err := c.Write(); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if c.interest&netpoll.Writable != 0 {
		t.Fatal("writable interest kept with an empty queue")
	}

	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if got := string(buf[:n]); got != "a\nb\n" {
		t.Fatalf("peer received %q, want a\\nb\\n", got)
	}
}

func TestEnqueueRestoresWritableInterest(t *testing.T) {
	c, _ := newTestPair(t)

	if err := c.Write(); err != nil { // empty queue clears writable
		t.Fatalf("write: %v", err)
	}
	if c.interest&netpoll.Writable != 0 {
		t.Fatal("writable interest set with nothing queued")
	}

	c.Enqueue([]byte("x\n"))
	if c.interest&netpoll.Writable == 0 {
		t.Fatal("enqueue must set writable interest")
	}
}

func TestQuitClosesWithoutIO(t *testing.T) {
	c, peer := newTestPair(t)

	c.Quit()
	if !c.Closed() {
		t.Fatal("quit must close the connection")
	}

	// No bytes were written to the peer.
	buf := make([]byte, 8)
	if _, err := unix.Read(peer, buf); err != unix.EAGAIN {
		t.Fatalf("peer read: got %v, want EAGAIN", err)
	}
}
