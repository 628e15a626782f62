package tftpd

import (
	"net"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Sender drives the RRQ side of a transfer: one DATA block outstanding at a
// time, advancing only on a matching ACK (§4.4.1).
type Sender struct {
	conn     udpEndpoint
	peer     *net.UDPAddr
	filename string
	mode     Mode
	cfg      sessionConfig
	log      *logrus.Entry
}

// NewSender constructs a Sender for an accepted RRQ. conn is already bound
// to its own ephemeral port and is never shared with another session.
func NewSender(conn udpEndpoint, peer *net.UDPAddr, req Request, cfg sessionConfig) *Sender {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		conn:     conn,
		peer:     peer,
		filename: req.Filename,
		mode:     req.Mode,
		cfg:      cfg,
		log:      log.WithFields(logrus.Fields{"session": "rrq", "peer": peer.String(), "filename": req.Filename}),
	}
}

// senderState is the Sender's single in-flight-DATA state (§9): a DATA has
// been sent for block and is awaiting its ACK, up to trials attempts so far.
type senderState struct {
	block   uint16
	payload []byte
	trials  int
}

// Run executes the Sender's state machine to completion. It always closes
// conn and the underlying file before returning.
func (s *Sender) Run() error {
	defer s.conn.Close()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionStarted(kindRRQ)
		defer s.cfg.Metrics.SessionEnded(kindRRQ)
	}

	path := filepath.Join(s.cfg.BaseDir, s.filename)
	file, err := OpenFileReader(path, s.mode)
	if err != nil {
		code := errorCodeForOpenErr(err)
		s.log.WithError(err).Warn("failed to open file for RRQ")
		sendError(s.conn, s.peer, code, s.log)
		s.recordOutcome(outcomeError)
		return err
	}
	defer file.Close()

	first, err := file.NextBlock()
	if err != nil {
		s.log.WithError(err).Warn("failed to read first block")
		sendError(s.conn, s.peer, ErrUndefined, s.log)
		s.recordOutcome(outcomeError)
		return err
	}

	state := senderState{block: 1, payload: first, trials: 1}
	if err := s.send(state); err != nil {
		s.recordOutcome(outcomeError)
		return err
	}
	s.recordBytes(len(first))

	for {
		deadline := time.Now().Add(s.cfg.retryInterval())
		buf, ok, timedOut, err := readDatagram(s.conn, s.peer, deadline, s.log, s.cfg.Metrics)
		if err != nil {
			s.log.WithError(err).Warn("socket error, aborting session")
			s.recordOutcome(outcomeError)
			return err
		}
		if timedOut {
			if state.trials >= s.cfg.maxTrials() {
				s.log.Warn("retries exhausted, abandoning transfer")
				s.recordOutcome(outcomeFailed)
				return errRetriesExhausted
			}
			state.trials++
			s.log.WithField("trial", state.trials).Debug("timeout, retransmitting DATA")
			if err := s.send(state); err != nil {
				s.recordOutcome(outcomeError)
				return err
			}
			continue
		}
		if !ok {
			continue
		}

		ack, perr := DecodeAck(buf)
		if perr != nil {
			s.log.WithError(perr).Debug("ignoring non-ACK packet")
			continue
		}
		if ack.Block != state.block {
			s.log.WithField("got", ack.Block).WithField("want", state.block).Debug("stale/duplicate ACK, ignoring")
			continue
		}

		if !file.HasNext() {
			s.log.Debug("transfer complete")
			s.recordOutcome(outcomeDone)
			return nil
		}
		next, err := file.NextBlock()
		if err != nil {
			s.log.WithError(err).Warn("read error mid-transfer")
			sendError(s.conn, s.peer, ErrUndefined, s.log)
			s.recordOutcome(outcomeError)
			return err
		}
		state = senderState{block: nextBlock(state.block), payload: next, trials: 1}
		if err := s.send(state); err != nil {
			s.recordOutcome(outcomeError)
			return err
		}
		s.recordBytes(len(next))
	}
}

func (s *Sender) send(state senderState) error {
	pkt := DataPacket{Block: state.block, Payload: state.payload}
	_, err := s.conn.WriteToUDP(pkt.Encode(), s.peer)
	return err
}

func (s *Sender) recordBytes(n int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BytesTransferred(kindRRQ, n)
	}
}

func (s *Sender) recordOutcome(o outcome) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransferFinished(kindRRQ, o)
	}
}
