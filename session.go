package tftpd

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetryInterval is the default time a session waits for a peer
// response before retransmitting (§4.4.3).
const DefaultRetryInterval = 5 * time.Second

// DefaultMaxTrials is the default number of total send attempts per packet,
// including the original (§4.4.3).
const DefaultMaxTrials = 5

// udpEndpoint is the subset of *net.UDPConn a session needs. It is an
// interface so sender_test.go/receiver_test.go can drive the state machines
// against an in-memory fake instead of a real socket.
type udpEndpoint interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// errRetriesExhausted is returned internally when a session gives up after
// MaxTrials sends without a matching response. It is never sent to the peer
// (§7: "no peer-visible error; peer is presumed gone").
var errRetriesExhausted = errors.New("tftpd: retries exhausted")

// sessionConfig carries the pieces every session (Sender or Receiver) needs,
// threaded through from Listener.dispatch the same way the teacher threads
// ReadHandler/WriteHandler through its constructor (§9 "Handler injection").
type sessionConfig struct {
	BaseDir       string
	TempDir       string
	RetryInterval time.Duration
	MaxTrials     int
	Logger        *logrus.Logger
	Metrics       *metricsSet
}

func (c sessionConfig) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return c.RetryInterval
	}
	return DefaultRetryInterval
}

func (c sessionConfig) maxTrials() int {
	if c.MaxTrials > 0 {
		return c.MaxTrials
	}
	return DefaultMaxTrials
}

// nextBlock advances a TFTP block counter with the wrapping behaviour RFC
// 1350 leaves unspecified (§9 Open Question a): plain uint16 arithmetic
// already wraps modularly at 2^16, so no explicit mod is needed. Transfers
// larger than 2^16 * 512 bytes (~32 MiB under OCTET) will alias block
// numbers; this repository documents that limit rather than enforcing one.
func nextBlock(b uint16) uint16 { return b + 1 }

// readDatagram reads one datagram from conn, applying deadline and
// validating its source against peer. A datagram from a foreign source
// elicits an UnknownTid error to that source and is otherwise ignored
// (§3 invariants, §7). It returns ok=false (with a nil error) for foreign
// datagrams and for a deadline expiry, distinguishing the latter via
// net.Error.Timeout so the caller can count a retry.
func readDatagram(conn udpEndpoint, peer *net.UDPAddr, deadline time.Time, log *logrus.Entry, metrics *metricsSet) (buf []byte, ok bool, timedOut bool, err error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, false, false, err
	}
	raw := make([]byte, MaxDataSize+4)
	n, from, err := conn.ReadFromUDP(raw)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, true, nil
		}
		return nil, false, false, err
	}
	if from.IP.Equal(peer.IP) && from.Port == peer.Port {
		return raw[:n], true, false, nil
	}
	log.WithField("foreign_addr", from.String()).Warn("datagram from foreign source, sending UnknownTid")
	_, _ = conn.WriteToUDP(ErrorPacket{Code: ErrUnknownTransferID, Msg: errorMessageFor(ErrUnknownTransferID)}.Encode(), from)
	if metrics != nil {
		metrics.ForeignTID()
	}
	return nil, false, false, nil
}

// sendError best-effort delivers an Error packet to peer. Send failures are
// logged and otherwise ignored: sessions never retry error delivery (§7).
func sendError(conn udpEndpoint, peer *net.UDPAddr, code ErrorCode, log *logrus.Entry) {
	pkt := ErrorPacket{Code: code, Msg: errorMessageFor(code)}
	if _, err := conn.WriteToUDP(pkt.Encode(), peer); err != nil {
		log.WithError(err).WithField("code", code).Warn("failed to send error packet to peer")
	}
}
