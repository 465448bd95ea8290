package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/postwarden/smtpd/internal/codec"
	"github.com/postwarden/smtpd/internal/contracker"
	"github.com/postwarden/smtpd/internal/maillog"
	"github.com/postwarden/smtpd/internal/session"
)

// ErrServerClosed is returned by ListenAndServe after Shutdown has been
// called, mirroring the net/http convention so embedders can tell a
// clean shutdown apart from an accept failure.
var ErrServerClosed = errors.New("smtpd: server closed")

type addrSpec struct {
	addr        string
	implicitTLS bool
}

type namedListener struct {
	l           net.Listener
	implicitTLS bool
}

// Server binds a Config and its collaborator hooks to one or more
// listening addresses, admitting and running a session.Conn per
// accepted connection.
type Server struct {
	cfg *Config

	store       MessageStore
	filter      MailboxFilter
	stats       StatisticsCollector
	rateLimiter RateLimiter
	observers   []Observer

	tracker *contracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	addrs      []addrSpec
	listeners  []namedListener
	conns      map[net.Conn]struct{}
	shutdownCh chan struct{}
	shutOnce   sync.Once
}

// NewServer builds a Server around cfg and its collaborators. store,
// filter, stats, and rateLimiter may each be nil, in which case that
// concern is simply skipped (e.g. a nil filter accepts everything).
func NewServer(cfg *Config, store MessageStore, filter MailboxFilter, stats StatisticsCollector, rateLimiter RateLimiter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		store:       store,
		filter:      filter,
		stats:       stats,
		rateLimiter: rateLimiter,
		tracker:     contracker.New(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		ctx:         ctx,
		cancel:      cancel,
		conns:       map[net.Conn]struct{}{},
		shutdownCh:  make(chan struct{}),
	}
}

// AddObserver registers an Observer. Observers run in registration
// order for every connection handled after this call.
func (s *Server) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// AddAddr adds a TCP address for ListenAndServe to bind. If
// implicitTLS is true, the listener wraps every accepted connection in
// TLS before the session ever sees it (an "smtps"-style port); the
// Config's TLSConfig is used and must be non-nil. Otherwise STARTTLS is
// how the session upgrades a connection, per the usual EHLO/STARTTLS
// negotiation.
func (s *Server) AddAddr(addr string, implicitTLS bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = append(s.addrs, addrSpec{addr, implicitTLS})
}

// AddListeners adds already-bound listeners, e.g. ones obtained via
// socket activation, to be served the same way addresses added with
// AddAddr are.
func (s *Server) AddListeners(ls []net.Listener, implicitTLS bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range ls {
		s.listeners = append(s.listeners, namedListener{l, implicitTLS})
	}
}

// ListenAndServe binds every address added with AddAddr, then serves
// all of them (plus any listeners added with AddListeners) until
// Shutdown is called or a listener fails irrecoverably. It always
// returns a non-nil error: ErrServerClosed after a clean Shutdown, or
// the first fatal error otherwise.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addrs := append([]addrSpec(nil), s.addrs...)
	s.mu.Unlock()

	var bound []namedListener
	for _, spec := range addrs {
		l, err := net.Listen("tcp", spec.addr)
		if err != nil {
			return fmt.Errorf("smtpd: listen on %s: %w", spec.addr, err)
		}
		log.Infof("smtpd: listening on %s (tls=%v)", spec.addr, spec.implicitTLS)
		maillog.Listening(spec.addr)
		bound = append(bound, namedListener{l, spec.implicitTLS})
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, bound...)
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()

	if len(listeners) == 0 {
		return fmt.Errorf("smtpd: no addresses or listeners configured")
	}

	errCh := make(chan error, len(listeners))
	for _, nl := range listeners {
		go func(nl namedListener) { errCh <- s.serve(nl) }(nl)
	}

	var first error
	for range listeners {
		if err := <-errCh; err != nil && first == nil && !errors.Is(err, ErrServerClosed) {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ErrServerClosed
}

func (s *Server) serve(nl namedListener) error {
	l := nl.l
	if nl.implicitTLS {
		if s.cfg.TLSConfig == nil {
			return fmt.Errorf("smtpd: implicit TLS listener %s requires a TLSConfig", l.Addr())
		}
		l = tls.NewListener(l, s.cfg.TLSConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return ErrServerClosed
			default:
				return fmt.Errorf("smtpd: accept on %s: %w", l.Addr(), err)
			}
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ip := hostOf(conn.RemoteAddr())

	if s.rateLimiter != nil {
		if !s.rateLimiter.IsAllowed(ip) {
			rejectConn(conn, "4.7.0 Too many requests")
			return
		}
		s.rateLimiter.RecordRequest(ip)
	}

	handle, ok := s.tracker.TryAcquire(ip)
	if !ok {
		rejectConn(conn, "4.3.2 Too many connections")
		return
	}

	s.mu.Lock()
	select {
	case <-s.shutdownCh:
		s.mu.Unlock()
		handle.Release()
		rejectConn(conn, "4.3.2 Server is shutting down")
		return
	default:
	}
	s.conns[conn] = struct{}{}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	go func() {
		defer handle.Release()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()

		c := session.NewConn(conn, s.cfg, s.store, s.filter, s.stats, observers, s.ctx)
		c.Handle()
	}()
}

// Shutdown stops accepting new connections and waits for in-flight
// ones to finish on their own, up to ctx's deadline; any still running
// when ctx is done are force-closed. It is safe to call more than
// once; only the first call has an effect.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		close(s.shutdownCh)
		s.mu.Lock()
		for _, nl := range s.listeners {
			nl.l.Close()
		}
		s.mu.Unlock()
	})
	defer s.cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.conns {
				c.Close()
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rejectConn writes a 421 response before closing a connection that is
// being refused at admission time, so the client sees an SMTP-level
// reason rather than a bare TCP close.
func rejectConn(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	codec.Reply(codec.CodeServiceNotAvailable, msg).WriteTo(conn)
	conn.Close()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
