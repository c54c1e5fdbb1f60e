package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"chatd/internal/chat"
	"chatd/internal/netpoll"
)

// listenerToken is the reserved token for the listening socket. Connection
// tokens start above it and are recycled by the slab table.
const listenerToken = 1

// eventBatch is the maximum number of readiness events consumed per poll.
const eventBatch = 128

// Server owns the listening socket, the connection table, and the chat
// model, and routes poller events between them. All of its state is touched
// only by the goroutine running Run; there is no locking on the hot path.
type Server struct {
	addr     string
	maxConns int

	poller   *netpoll.Poller
	listenFd int
	bound    *net.TCPAddr

	conns *connTable
	app   *chat.App
	stats *Stats

	shuttingDown bool
}

// NewServer builds a server for the given listen address. Listen must be
// called before Run.
func NewServer(addr string, maxConns int, app *chat.App, stats *Stats) *Server {
	return &Server{
		addr:     addr,
		maxConns: maxConns,
		listenFd: -1,
		conns:    newConnTable(listenerToken+1, maxConns),
		app:      app,
		stats:    stats,
	}
}

// Listen binds the non-blocking listening socket and registers it with a
// fresh poller.
func (s *Server) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", s.addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("setsockopt", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return os.NewSyscallError("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return os.NewSyscallError("getsockname", err)
	}
	if sa4, ok := bound.(*unix.SockaddrInet4); ok {
		s.bound = &net.TCPAddr{IP: net.IP(sa4.Addr[:]), Port: sa4.Port}
	}

	poller, err := netpoll.Open()
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := poller.Register(fd, listenerToken, netpoll.Readable); err != nil {
		poller.Close()
		unix.Close(fd)
		return err
	}

	s.listenFd = fd
	s.poller = poller
	return nil
}

// Addr returns the bound listen address. Valid after Listen; useful when the
// configured port is 0.
func (s *Server) Addr() string {
	if s.bound == nil {
		return s.addr
	}
	return s.bound.String()
}

// Run drives the event loop until ctx is canceled or the listener fails.
// Every handler runs to completion between polls, so per-event transitions
// are atomic with respect to each other.
func (s *Server) Run(ctx context.Context) error {
	if s.poller == nil {
		return errors.New("server: Run called before Listen")
	}
	defer s.closeAll()

	// The waker must be gone before closeAll closes the eventfd, and must
	// not outlive a return caused by a listener failure.
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.poller.Wake()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-stopped
	}()

	batch := make([]netpoll.Event, eventBatch)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.poller.Wait(batch)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		for _, ev := range batch[:n] {
			s.dispatch(ev)
		}
		if s.shuttingDown {
			return nil
		}
	}
}

func (s *Server) dispatch(ev netpoll.Event) {
	slog.Debug("event", "token", ev.Token, "ready", fmt.Sprintf("%04b", ev.Ready))

	if ev.Ready.Err() || ev.Ready.Hup() {
		s.resetConnection(ev.Token)
		return
	}
	if ev.Ready.Writable() {
		s.handleWritable(ev.Token)
	}
	if ev.Ready.Readable() {
		if ev.Token == listenerToken {
			s.accept()
			s.reregisterListener()
		} else {
			s.handleReadable(ev.Token)
		}
	}
}

// resetConnection tears a connection down: deregister, close, free the slab
// slot, drop the user. For the listener token it shuts the whole loop down.
func (s *Server) resetConnection(token int) {
	if token == listenerToken {
		slog.Error("listener failure, shutting down")
		s.shuttingDown = true
		return
	}

	c := s.conns.get(chat.Token(token))
	if c == nil {
		return
	}
	if err := c.deregister(s.poller); err != nil {
		slog.Debug("deregister failed", "token", token, "err", err)
	}
	c.close()
	s.conns.remove(chat.Token(token))
	s.app.RemoveUser(chat.Token(token))
	s.stats.ConnClosed()

	slog.Info("connection reset", "token", token, "open_conns", s.conns.len())
}

// accept takes one pending connection, allocates a token, greets the peer,
// and registers it for readable+writable interest. A fresh connection is
// always unauthorized and belongs to no room.
func (s *Server) accept() {
	nfd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			slog.Warn("accept failed", "err", err)
		}
		return
	}

	c, ok := s.conns.insert(func(token chat.Token) *Conn { return newConn(nfd, token) })
	if !ok {
		slog.Warn("connection table full, rejecting", "max_conns", s.maxConns)
		unix.Close(nfd)
		return
	}

	c.Enqueue([]byte(msgGreeting))
	if err := c.register(s.poller); err != nil {
		slog.Error("register connection", "token", int(c.Token()), "err", err)
		c.close()
		s.conns.remove(c.Token())
		return
	}

	s.stats.ConnOpened()
	slog.Info("connection accepted", "token", int(c.Token()), "open_conns", s.conns.len())
}

func (s *Server) reregisterListener() {
	if err := s.poller.Reregister(s.listenFd, listenerToken, netpoll.Readable); err != nil {
		slog.Error("reregister listener", "err", err)
		s.resetConnection(listenerToken)
	}
}

// handleReadable performs one socket read, then drains any further complete
// lines already buffered. One-shot notification only re-fires on new bytes,
// so buffered lines must not be left behind.
func (s *Server) handleReadable(token int) {
	c := s.conns.get(chat.Token(token))
	if c == nil {
		return
	}

	line, err := c.Read()
	s.consume(c, line, err)
	for !c.Closed() {
		line, err = c.BufferedLine()
		if line == nil && err == nil {
			break
		}
		s.consume(c, line, err)
	}

	if c.Closed() {
		s.resetConnection(token)
		return
	}
	if err := c.reregister(s.poller); err != nil {
		slog.Warn("reregister connection", "token", token, "err", err)
		s.resetConnection(token)
	}
}

func (s *Server) handleWritable(token int) {
	c := s.conns.get(chat.Token(token))
	if c == nil {
		return
	}

	if err := c.Write(); err != nil {
		slog.Warn("write failed", "token", token, "err", err)
	}
	if c.Closed() {
		s.resetConnection(token)
		return
	}
	if err := c.reregister(s.poller); err != nil {
		slog.Warn("reregister connection", "token", token, "err", err)
		s.resetConnection(token)
	}
}

// consume interprets one framed read result.
func (s *Server) consume(c *Conn, line []byte, err error) {
	switch {
	case err == nil && line == nil:
		// Need more bytes.
	case errors.Is(err, ErrInvalidUTF8):
		slog.Debug("invalid utf-8 line discarded", "token", int(c.Token()))
		c.Enqueue([]byte(msgInvalidUTF8))
	case errors.Is(err, ErrDisconnected):
		slog.Info("peer disconnected", "token", int(c.Token()))
	case err != nil:
		slog.Warn("read failed", "token", int(c.Token()), "err", err)
	default:
		s.handleLine(c, line)
	}
}

// handleLine routes one complete line: command, chat broadcast, or name
// claim, in that order.
func (s *Server) handleLine(c *Conn, line []byte) {
	stripped := string(line[:len(line)-1])

	if chat.IsCommand(stripped) {
		s.handleCommand(c, stripped)
		return
	}
	if name, ok := s.app.Username(c.Token()); ok {
		s.broadcast(c, name, line)
		return
	}
	s.handleNameClaim(c, stripped)
}

func (s *Server) handleCommand(c *Conn, stripped string) {
	cmd, ok := chat.ParseCommand(stripped)
	if !ok {
		c.Enqueue([]byte(msgNotACommand))
		return
	}

	switch cmd.Kind {
	case chat.CmdRooms:
		var b strings.Builder
		for _, room := range s.app.RoomList() {
			b.WriteString(room)
			b.WriteByte('\n')
		}
		c.Enqueue([]byte(b.String()))
	case chat.CmdJoin:
		if s.app.MoveRooms(c.Token(), cmd.Room) {
			c.Enqueue([]byte("Moved to room " + cmd.Room + "\n"))
		} else {
			// Unauthorized connections have no room to move from.
			c.Enqueue([]byte(msgNotACommand))
		}
	case chat.CmdQuit:
		slog.Info("quit requested", "token", int(c.Token()))
		c.Quit()
	}
}

// broadcast fans one chat line out to every other member of the sender's
// room. The payload is built once and shared by every recipient queue.
// Recipients whose reregistration fails are reset after the loop so the
// table is never mutated mid-iteration.
func (s *Server) broadcast(sender *Conn, name string, line []byte) {
	payload := []byte(time.Now().Format(broadcastTimeLayout) + " - " + name + ": " + string(line))
	recipients := s.app.MessageRecipients(sender.Token())

	var bad []chat.Token
	delivered := 0
	for _, token := range recipients {
		rc := s.conns.get(token)
		if rc == nil || rc.Closed() {
			continue
		}
		rc.Enqueue(payload)
		if err := rc.reregister(s.poller); err != nil {
			slog.Warn("reregister recipient", "token", int(token), "err", err)
			bad = append(bad, token)
			continue
		}
		delivered++
	}
	for _, token := range bad {
		s.resetConnection(int(token))
	}

	s.stats.Broadcast(delivered, len(payload))
	slog.Debug("broadcast", "from", name, "recipients", delivered, "bytes", len(payload))
}

// handleNameClaim treats the first word of an unauthorized connection's line
// as a username claim. Empty input is ignored without a reply.
func (s *Server) handleNameClaim(c *Conn, stripped string) {
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return
	}

	switch err := s.app.RegisterUser(c.Token(), fields[0]); {
	case err == nil:
		c.Enqueue([]byte(msgAuthorized))
	case errors.Is(err, chat.ErrNameTaken):
		c.Enqueue([]byte(msgNameTaken))
	default:
		slog.Error("register user", "token", int(c.Token()), "err", err)
	}
}

func (s *Server) closeAll() {
	s.conns.each(func(c *Conn) { c.close() })
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
	}
	if s.poller != nil {
		s.poller.Close()
	}
	slog.Info("server stopped")
}
