//go:build linux

// Package netpoll provides an edge-triggered, one-shot readiness poller over
// epoll(7). Each registered descriptor carries an integer token; the poller
// reports readiness per token and never interprets socket bytes.
package netpoll

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// Interest selects which readiness events a registration listens for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Ready is the set of conditions reported for one token.
type Ready uint8

const (
	ReadyReadable Ready = 1 << iota
	ReadyWritable
	ReadyErr
	ReadyHup
)

func (r Ready) Readable() bool { return r&ReadyReadable != 0 }
func (r Ready) Writable() bool { return r&ReadyWritable != 0 }
func (r Ready) Err() bool      { return r&ReadyErr != 0 }
func (r Ready) Hup() bool      { return r&ReadyHup != 0 }

// Event pairs a registered token with the conditions it is ready for.
type Event struct {
	Token int
	Ready Ready
}

// wakeToken marks the poller-owned eventfd; it is never surfaced to callers.
const wakeToken = -1

// Poller multiplexes readiness notification for many descriptors.
//
// All registrations are edge-triggered and one-shot: a token fires at most
// once per Register/Reregister, and the caller must Reregister to keep
// receiving events for it.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

// Open creates a poller plus an internal eventfd used by Wake to interrupt a
// blocked Wait.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	// The wake fd is level-triggered and permanent, unlike caller
	// registrations.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeToken}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &Poller{epfd: epfd, wakefd: wakefd}, nil
}

// Register adds fd under the given token. The token must fit in an int32 and
// must not be negative.
func (p *Poller) Register(fd, token int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(token)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Reregister re-arms fd after its one-shot notification has fired, possibly
// with a different interest set.
func (p *Poller) Reregister(fd, token int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(token)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Deregister removes fd from the poller.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Wait blocks until at least one registered token is ready or Wake is called,
// then fills batch and returns the number of events written. A wake-up with no
// pending events returns 0.
func (p *Poller) Wait(batch []Event) (int, error) {
	if cap(p.events) < len(batch) {
		p.events = make([]unix.EpollEvent, len(batch))
	}
	es := p.events[:len(batch)]

	for {
		n, err := unix.EpollWait(p.epfd, es, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("epoll_wait", err)
		}

		out := 0
		for i := 0; i < n; i++ {
			if es[i].Fd == wakeToken {
				p.drainWake()
				continue
			}
			batch[out] = Event{Token: int(es[i].Fd), Ready: readyFrom(es[i].Events)}
			out++
		}
		return out, nil
	}
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (p *Poller) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Close releases the epoll instance and the wake fd.
func (p *Poller) Close() error {
	err1 := unix.Close(p.wakefd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return os.NewSyscallError("close", err1)
	}
	if err2 != nil {
		return os.NewSyscallError("close", err2)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func epollFlags(interest Interest) uint32 {
	flags := uint32(unix.EPOLLET) | unix.EPOLLONESHOT
	if interest&Readable != 0 {
		flags |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		flags |= unix.EPOLLOUT
	}
	return flags
}

func readyFrom(events uint32) Ready {
	var r Ready
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r |= ReadyReadable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= ReadyWritable
	}
	if events&unix.EPOLLERR != 0 {
		r |= ReadyErr
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r |= ReadyHup
	}
	return r
}
