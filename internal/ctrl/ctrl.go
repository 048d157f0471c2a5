// Package ctrl implements the Control Channel (spec Component K): a
// listener accepting line-oriented administrative commands over a Unix-
// or TCP-domain socket, grounded on original_source/yenma/yenmactrl.c's
// command table (SHOW-COUNTER, RESET-COUNTER, RELOAD, SHUTDOWN, GRACEFUL,
// QUIT) and its "NNN text" reply convention.
package ctrl

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/mailauth/miltersentry/atomicbool"
	"github.com/mailauth/miltersentry/framework/log"
	"github.com/mailauth/miltersentry/internal/connctr"
	"github.com/mailauth/miltersentry/internal/ctxmgr"
	"github.com/mailauth/miltersentry/internal/ipblock"
)

// Rebuilder constructs a candidate Context from the live configuration
// file, mirroring yenmactrl.c's YenmaCtrl_rebuildContext: it receives the
// outgoing context so it can transplant unreloadable fields, and returns
// an error that leaves the running context untouched.
type Rebuilder func(old *ctxmgr.Context) (*ctxmgr.Context, error)

// MilterStopper stops accepting new milter connections (spec §4.K:
// "SHUTDOWN stops milter, stops listener" / "GRACEFUL ... stops
// listener"). The cmd/miltersentryd entrypoint supplies this as a thin
// wrapper around milter.Server.Close.
type MilterStopper func() error

// Server is the Control Channel listener. One per process.
type Server struct {
	mgr      *ctxmgr.Manager
	counter  *connctr.Counter
	rebuild  Rebuilder
	stopper  MilterStopper
	log      log.Logger
	access   *ipblock.Set
	graceful time.Duration

	mu       sync.Mutex
	ln       net.Listener
	graceSet atomicbool.AtomicBool
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithAccess restricts accepted connections to peers within access (spec
// §4.K: "Optional per-peer access control via a host-access library").
// A nil or empty set admits every peer.
func WithAccess(access *ipblock.Set) Option {
	return func(s *Server) { s.access = access }
}

// WithGracefulTimeout bounds how long GRACEFUL waits for the connection
// counter to reach zero before giving up (spec §4.K's graceful-shutdown
// choreography; the default is 60 seconds).
func WithGracefulTimeout(d time.Duration) Option {
	return func(s *Server) { s.graceful = d }
}

// New returns a Server bound to mgr (for RELOAD) and counter (for
// GRACEFUL's drain wait). rebuild and stopper are supplied by the
// entrypoint, which owns the milter listener and the config file path.
func New(mgr *ctxmgr.Manager, counter *connctr.Counter, rebuild Rebuilder, stopper MilterStopper, logger log.Logger, opts ...Option) *Server {
	s := &Server{
		mgr:      mgr,
		counter:  counter,
		rebuild:  rebuild,
		stopper:  stopper,
		log:      logger,
		graceful: 60 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts connections on ln until it is closed. It returns nil on a
// clean shutdown (the listener was closed by Shutdown/the SHUTDOWN or
// GRACEFUL verbs) and a non-nil error for any other Accept failure.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}

		if s.access != nil && !s.access.Empty() {
			if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
				if ip := net.ParseIP(host); ip != nil && !s.access.Contains(ip) {
					s.log.Printf("control: access denied: peer=%s", host)
					conn.Close()
					continue
				}
			}
		}

		go s.handle(conn)
	}
}

func isClosed(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// handle runs one control connection: one command per line until QUIT,
// a command handler signals termination, or the peer disconnects.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := textproto.NewReader(bufio.NewReader(conn))
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		verb, arg := splitCommand(line)
		if verb == "" {
			continue
		}

		s.log.Debugf("control: command: verb=%s arg=%q", verb, arg)

		done, reply := s.dispatch(verb, arg)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
		if done {
			return
		}
	}
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

// dispatch runs one parsed command and reports whether the connection
// should close after replying (spec §4.K's handler table: QUIT closes
// only the control connection, SHUTDOWN/GRACEFUL close it after stopping
// the milter listener).
func (s *Server) dispatch(verb, arg string) (done bool, reply string) {
	switch verb {
	case "SHOW-COUNTER":
		return false, s.onShowCounter(arg)
	case "RESET-COUNTER":
		return false, s.onResetCounter(arg)
	case "RELOAD":
		return false, s.onReload()
	case "SHUTDOWN":
		return true, s.onShutdown()
	case "GRACEFUL":
		return true, s.onGraceful()
	case "QUIT":
		return true, "200 OK\n"
	default:
		return false, fmt.Sprintf("500 UNKNOWN COMMAND: %s\n", verb)
	}
}

func (s *Server) onShowCounter(arg string) string {
	snap := s.mgr.Current().Stats.Show()
	return renderStats(snap, arg)
}

func (s *Server) onResetCounter(arg string) string {
	snap := s.mgr.Current().Stats.Reset()
	return renderStats(snap, arg)
}

func renderStats(snap interface {
	RenderPlain() string
	RenderJSON() ([]byte, error)
}, arg string) string {
	if isJSONFormat(arg) {
		body, err := snap.RenderJSON()
		if err != nil {
			return "500 FAILED\n"
		}
		return string(body) + "\n"
	}
	return snap.RenderPlain()
}

func isJSONFormat(arg string) bool {
	arg = strings.Trim(arg, "/")
	return strings.EqualFold(arg, "json")
}

// onReload implements spec §4.J's reload protocol end to end, grounded on
// yenmactrl.c's YenmaCtrl_onReload: build the candidate under no lock,
// swap it under the write lock, and reply 200/500 accordingly.
func (s *Server) onReload() string {
	s.log.Printf("control: reloading configuration")

	err := s.mgr.Reload(s.rebuild)
	if err != nil {
		s.log.Printf("control: reload failed: %v", err)
		return "500 FAILED\n"
	}

	s.log.Printf("control: reload succeeded")
	return "200 RELOADED\n"
}

// onShutdown implements spec §4.K's abrupt SHUTDOWN: stop the milter
// listener and this control listener immediately, with no drain wait.
func (s *Server) onShutdown() string {
	if s.stopper != nil {
		if err := s.stopper(); err != nil {
			s.log.Printf("control: shutdown: stopping milter failed: %v", err)
		}
	}
	s.Shutdown()

	s.log.Printf("control: shutting down: connections=%d", s.counter.Count())
	return "200 SHUTDOWN ACCEPTED\n"
}

// onGraceful implements spec §4.K's GRACEFUL verb: mark the graceful
// flag and stop accepting new milter and control connections. Mirroring
// yenma.c's main()/YenmaCtrl split, the actual drain wait (decrement the
// listener's counter token, wait for zero with a timeout) is the
// entrypoint's job once its milter Serve loop returns — Graceful and
// GracefulTimeout let it find out that a wait is needed at all.
func (s *Server) onGraceful() string {
	s.mu.Lock()
	already := s.graceSet.IsSet()
	s.graceSet.Set(true)
	s.mu.Unlock()

	if !already {
		if s.stopper != nil {
			if err := s.stopper(); err != nil {
				s.log.Printf("control: graceful: stopping milter failed: %v", err)
			}
		}
		s.Shutdown()
		s.log.Printf("control: starting graceful shutdown: connections=%d", s.counter.Count())
	}

	return "200 GRACEFUL SHUTDOWN ACCEPTED\n"
}

// Graceful reports whether GRACEFUL has been requested, for the
// entrypoint to check once its milter Serve loop returns. Backed by
// atomicbool rather than the Server mutex so polling it never contends
// with Shutdown's listener-close.
func (s *Server) Graceful() bool {
	return s.graceSet.IsSet()
}

// GracefulTimeout returns the configured drain-wait bound (spec §4.K:
// "the configured timeout").
func (s *Server) GracefulTimeout() time.Duration {
	return s.graceful
}

// Shutdown closes the control listener, unblocking Serve. It is safe to
// call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
}
