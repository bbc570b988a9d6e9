package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/searchktools/prefork/config"
)

var (
	// ErrClosed is returned by a second Set.Close.
	ErrClosed = errors.New("socket set already closed")
	// ErrSharingUnsupported is returned where sockets cannot be handed to
	// other processes.
	ErrSharingUnsupported = errors.New("socket sharing between processes is not supported on this platform")
	// ErrNoDeadline is returned by StopAccepting and StopReading for sockets
	// that cannot be interrupted without closing them.
	ErrNoDeadline = errors.New("socket does not support deadlines")
)

// Kind is the role of a socket in a Set.
type Kind int

const (
	Secure Kind = iota
	Insecure
	Datagram
)

func (k Kind) String() string {
	switch k {
	case Secure:
		return "https"
	case Insecure:
		return "http"
	case Datagram:
		return "udp"
	}
	return "unknown"
}

// Counts is the number of sockets of each kind, which is all a process needs
// to rebuild a Set from inherited files.
type Counts struct {
	Secure   int `yaml:"secure"`
	Insecure int `yaml:"insecure"`
	Datagram int `yaml:"datagram"`
}

// Total returns the number of sockets.
func (c Counts) Total() int { return c.Secure + c.Insecure + c.Datagram }

// Set holds the bound sockets of a server. The process that bound them closes
// them exactly once; workers only stop using them.
type Set struct {
	Secure   []net.Listener
	Insecure []net.Listener
	Datagram []net.PacketConn

	closeOnce sync.Once
	closed    atomic.Bool
}

// Bind binds every configured address. If any bind fails the sockets bound
// so far are closed and the error is returned.
func Bind(ctx context.Context, cfg config.BindConfig, backlog int, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{}
	fail := func(err error) (*Set, error) {
		return nil, multierr.Append(err, s.Close())
	}

	for _, addr := range cfg.Secure {
		l, err := listen(ctx, addr, backlog)
		if err != nil {
			return fail(err)
		}
		s.Secure = append(s.Secure, l)
	}
	for _, addr := range cfg.Insecure {
		l, err := listen(ctx, addr, backlog)
		if err != nil {
			return fail(err)
		}
		s.Insecure = append(s.Insecure, l)
	}
	for _, addr := range cfg.Datagram {
		pc, err := listenPacket(ctx, addr)
		if err != nil {
			return fail(err)
		}
		s.Datagram = append(s.Datagram, pc)
	}

	s.each(func(kind Kind, addr net.Addr) {
		logger.Info(fmt.Sprintf("Running on %s over %s", addr, kind),
			zap.Stringer("addr", addr),
			zap.Stringer("kind", kind),
		)
	})
	return s, nil
}

func listen(ctx context.Context, addr string, backlog int) (net.Listener, error) {
	network, address := splitAddr(addr, "tcp")
	if network == "unix" {
		removeStaleSocket(address)
	}
	l, err := listenConfig.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := setBacklog(l, backlog); err != nil {
		l.Close()
		return nil, fmt.Errorf("backlog %s: %w", addr, err)
	}
	return l, nil
}

func listenPacket(ctx context.Context, addr string) (net.PacketConn, error) {
	network, address := splitAddr(addr, "udp")
	pc, err := listenConfig.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return pc, nil
}

// splitAddr accepts "unix:/path", a bare port or host:port.
func splitAddr(addr, network string) (string, string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return network, ":" + addr
	}
	return network, addr
}

func removeStaleSocket(path string) {
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
}

// Close closes every socket. Only the first call does anything; later calls
// return ErrClosed.
func (s *Set) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		err = nil
		for _, l := range s.Secure {
			err = multierr.Append(err, l.Close())
		}
		for _, l := range s.Insecure {
			err = multierr.Append(err, l.Close())
		}
		for _, pc := range s.Datagram {
			err = multierr.Append(err, pc.Close())
		}
		s.closed.Store(true)
	})
	return err
}

// Closed reports whether Close was called.
func (s *Set) Closed() bool { return s.closed.Load() }

// Counts returns the number of sockets of each kind.
func (s *Set) Counts() Counts {
	return Counts{Secure: len(s.Secure), Insecure: len(s.Insecure), Datagram: len(s.Datagram)}
}

// Addrs returns the bound addresses in secure, insecure, datagram order.
func (s *Set) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, s.Counts().Total())
	s.each(func(_ Kind, addr net.Addr) { addrs = append(addrs, addr) })
	return addrs
}

func (s *Set) each(fn func(Kind, net.Addr)) {
	for _, l := range s.Secure {
		fn(Secure, l.Addr())
	}
	for _, l := range s.Insecure {
		fn(Insecure, l.Addr())
	}
	for _, pc := range s.Datagram {
		fn(Datagram, pc.LocalAddr())
	}
}

type filer interface {
	File() (*os.File, error)
}

// Files duplicates every socket into an *os.File, in secure, insecure,
// datagram order. The caller closes the files.
func (s *Set) Files() ([]*os.File, error) {
	var sockets []any
	for _, l := range s.Secure {
		sockets = append(sockets, l)
	}
	for _, l := range s.Insecure {
		sockets = append(sockets, l)
	}
	for _, pc := range s.Datagram {
		sockets = append(sockets, pc)
	}

	files := make([]*os.File, 0, len(sockets))
	for _, sock := range sockets {
		f, ok := sock.(filer)
		if !ok {
			closeFiles(files)
			return nil, fmt.Errorf("%w: %T cannot be duplicated", ErrSharingUnsupported, sock)
		}
		file, err := f.File()
		if err != nil {
			closeFiles(files)
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// FromFiles rebuilds a Set from files laid out as Files returns them. The
// files are closed; the Set owns duplicates.
func FromFiles(files []*os.File, counts Counts) (*Set, error) {
	defer closeFiles(files)
	if len(files) != counts.Total() {
		return nil, fmt.Errorf("expected %d socket files, got %d", counts.Total(), len(files))
	}

	s := &Set{}
	for i, f := range files {
		var err error
		switch {
		case i < counts.Secure:
			var l net.Listener
			if l, err = net.FileListener(f); err == nil {
				s.Secure = append(s.Secure, l)
			}
		case i < counts.Secure+counts.Insecure:
			var l net.Listener
			if l, err = net.FileListener(f); err == nil {
				s.Insecure = append(s.Insecure, l)
			}
		default:
			var pc net.PacketConn
			if pc, err = net.FilePacketConn(f); err == nil {
				s.Datagram = append(s.Datagram, pc)
			}
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("restore socket %d: %w", i, err), s.Close())
		}
	}
	return s, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// StopAccepting makes a pending and every future Accept on l fail
// immediately without closing l.
func StopAccepting(l net.Listener) error {
	d, ok := l.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return ErrNoDeadline
	}
	return d.SetDeadline(time.Now())
}

// StopReading makes a pending and every future read on pc fail immediately
// without closing pc.
func StopReading(pc net.PacketConn) error {
	return pc.SetReadDeadline(time.Now())
}
