package tftpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// acceptReadTimeout bounds how long the accept loop blocks on a single read,
// so a cancelled context is noticed promptly between datagrams (§4.5).
const acceptReadTimeout = 1 * time.Second

// SessionRunner is satisfied by *Sender and *Receiver. It exists so
// Listener's per-RRQ/per-WRQ factories can be swapped out in tests (§9
// "Handler injection").
type SessionRunner interface {
	Run() error
}

// SessionFactory builds a SessionRunner for a freshly accepted request, bound
// to its own ephemeral endpoint.
type SessionFactory func(conn udpEndpoint, peer *net.UDPAddr, req Request, cfg sessionConfig) SessionRunner

// Listener binds the well-known TFTP port and dispatches one session per
// accepted RRQ/WRQ (§4.5).
type Listener struct {
	cfg     Config
	log     *logrus.Logger
	metrics *metricsSet
	sessCfg sessionConfig

	// RRQFactory and WRQFactory default to NewSender/NewReceiver but may be
	// overridden before Run for testing (§9 "Handler injection").
	RRQFactory SessionFactory
	WRQFactory SessionFactory

	conn   *net.UDPConn
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewListener validates cfg and constructs a Listener. Bind must be called
// before Run.
func NewListener(cfg Config) (*Listener, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("tftpd: BaseDir is required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("tftpd: TempDir is required")
	}
	metrics, err := NewMetrics(cfg.registerer())
	if err != nil {
		return nil, fmt.Errorf("tftpd: registering metrics: %w", err)
	}
	l := &Listener{
		cfg:     cfg,
		log:     cfg.logger(),
		metrics: metrics,
		sessCfg: sessionConfig{
			BaseDir:       cfg.BaseDir,
			TempDir:       cfg.TempDir,
			RetryInterval: cfg.RetryInterval,
			MaxTrials:     cfg.MaxTrials,
			Logger:        cfg.logger(),
			Metrics:       metrics,
		},
	}
	l.RRQFactory = func(conn udpEndpoint, peer *net.UDPAddr, req Request, sc sessionConfig) SessionRunner {
		return NewSender(conn, peer, req, sc)
	}
	l.WRQFactory = func(conn udpEndpoint, peer *net.UDPAddr, req Request, sc sessionConfig) SessionRunner {
		return NewReceiver(conn, peer, req, sc)
	}
	return l, nil
}

// Bind opens the main UDP socket with SO_REUSEADDR/SO_REUSEPORT (§4.5).
func (l *Listener) Bind() error {
	lc := net.ListenConfig{Control: reusePortControl}
	addr := fmt.Sprintf("%s:%d", l.cfg.Addr, l.cfg.Port)
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return fmt.Errorf("tftpd: bind %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("tftpd: unexpected packet conn type %T", pc)
	}
	l.conn = conn
	l.log.WithField("addr", conn.LocalAddr().String()).Info("tftpd listening")
	return nil
}

// LocalAddr returns the bound address; useful in tests that bind to port 0.
func (l *Listener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run accepts and dispatches requests until ctx is cancelled. Existing
// sessions are not forcibly terminated when Run returns (§5); call Shutdown
// for a bounded drain.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.group = &errgroup.Group{}

	raw := make([]byte, MaxDataSize+4)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(acceptReadTimeout)); err != nil {
			return fmt.Errorf("tftpd: set read deadline: %w", err)
		}
		n, from, err := l.conn.ReadFromUDP(raw)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("tftpd: accept loop read: %w", err)
		}

		initial, perr := DecodeInitialPacket(raw[:n])
		if perr != nil {
			l.log.WithError(perr).WithField("peer", from.String()).Warn("dropping unparseable initial packet")
			continue
		}
		l.dispatch(initial, from)
	}
}

// dispatch creates a fresh ephemeral endpoint for the accepted request and
// hands it to a newly scheduled session goroutine (§4.5). The endpoint is
// deliberately left unconnected (not net.DialUDP) rather than connected to
// peer: a connected UDP socket silently drops datagrams from any other
// source at the kernel level, which would make it impossible to honor the
// spec's requirement that a foreign-TID datagram receive an Error(5) reply
// (§3, §7). Source-address validation is instead performed in userland by
// readDatagram.
func (l *Listener) dispatch(initial InitialPacket, peer *net.UDPAddr) {
	serverAddr := l.conn.LocalAddr().(*net.UDPAddr)
	sessConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: serverAddr.IP, Port: 0})
	if err != nil {
		l.log.WithError(err).WithField("peer", peer.String()).Error("failed to create session endpoint")
		return
	}

	var factory SessionFactory
	if initial.IsRRQ() {
		factory = l.RRQFactory
	} else {
		factory = l.WRQFactory
	}
	session := factory(sessConn, peer, initial.Request, l.sessCfg)

	l.group.Go(func() error {
		if err := session.Run(); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"peer":     peer.String(),
				"filename": initial.Request.Filename,
			}).Info("session ended with error")
		}
		return nil
	})
}

// Shutdown cancels the accept loop and waits (bounded by ctx) for in-flight
// sessions to finish draining (§5 "MAY add a bounded drain deadline").
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		defer l.conn.Close()
	}
	if l.group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- l.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
