package tftpd

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Receiver drives the WRQ side of a transfer: one ACK outstanding at a time,
// advancing only on the next expected DATA block (§4.4.2).
type Receiver struct {
	conn     udpEndpoint
	peer     *net.UDPAddr
	filename string
	mode     Mode
	cfg      sessionConfig
	log      *logrus.Entry
}

// NewReceiver constructs a Receiver for an accepted WRQ.
func NewReceiver(conn udpEndpoint, peer *net.UDPAddr, req Request, cfg sessionConfig) *Receiver {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		conn:     conn,
		peer:     peer,
		filename: req.Filename,
		mode:     req.Mode,
		cfg:      cfg,
		log:      log.WithFields(logrus.Fields{"session": "wrq", "peer": peer.String(), "filename": req.Filename}),
	}
}

// receiverState is the Receiver's single outstanding-ACK state (§9): ACK has
// been sent for block, awaiting the DATA for block+1.
type receiverState struct {
	block  uint16
	trials int
}

// Run executes the Receiver's state machine to completion, publishing the
// staged temp file into BaseDir on success.
func (r *Receiver) Run() error {
	defer r.conn.Close()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SessionStarted(kindWRQ)
		defer r.cfg.Metrics.SessionEnded(kindWRQ)
	}

	tempPath := filepath.Join(r.cfg.TempDir, r.filename+"."+randomSuffix())
	file, err := CreateFileWriter(tempPath, r.mode)
	if err != nil {
		r.log.WithError(err).Warn("failed to create temp file for WRQ")
		sendError(r.conn, r.peer, errorCodeForOpenErr(err), r.log)
		r.recordOutcome(outcomeError)
		return err
	}
	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tempPath)
		}
	}()

	state := receiverState{block: 0, trials: 1}
	if err := r.ack(state.block); err != nil {
		file.Close()
		r.recordOutcome(outcomeError)
		return err
	}

	for {
		deadline := time.Now().Add(r.cfg.retryInterval())
		buf, ok, timedOut, err := readDatagram(r.conn, r.peer, deadline, r.log, r.cfg.Metrics)
		if err != nil {
			file.Close()
			r.log.WithError(err).Warn("socket error, aborting session")
			r.recordOutcome(outcomeError)
			return err
		}
		if timedOut {
			if state.trials >= r.cfg.maxTrials() {
				file.Close()
				r.log.Warn("retries exhausted, abandoning transfer")
				r.recordOutcome(outcomeFailed)
				return errRetriesExhausted
			}
			state.trials++
			r.log.WithField("trial", state.trials).Debug("timeout, retransmitting ACK")
			if err := r.ack(state.block); err != nil {
				file.Close()
				r.recordOutcome(outcomeError)
				return err
			}
			continue
		}
		if !ok {
			continue
		}

		data, perr := DecodeData(buf)
		if perr != nil {
			r.log.WithError(perr).Debug("ignoring non-DATA packet")
			continue
		}

		expected := nextBlock(state.block)
		if data.Block != expected {
			// Sorcerer's Apprentice mitigation (§4.4.2, §9 Open Question b):
			// re-ACK the previous block without resetting the retry counter.
			r.log.WithField("got", data.Block).WithField("want", expected).Debug("unexpected DATA block, re-acking previous")
			if err := r.ack(state.block); err != nil {
				file.Close()
				r.recordOutcome(outcomeError)
				return err
			}
			continue
		}

		if werr := file.Write(data.Payload); werr != nil {
			file.Close()
			code := errorCodeForWriteErr(werr)
			r.log.WithError(werr).Warn("write failed mid-transfer")
			sendError(r.conn, r.peer, code, r.log)
			r.recordOutcome(outcomeError)
			return werr
		}
		r.recordBytes(len(data.Payload))

		state = receiverState{block: data.Block, trials: 1}
		if err := r.ack(state.block); err != nil {
			file.Close()
			r.recordOutcome(outcomeError)
			return err
		}

		if len(data.Payload) < blockSize {
			if err := file.Close(); err != nil {
				r.log.WithError(err).Warn("failed to close staged file")
				sendError(r.conn, r.peer, ErrUndefined, r.log)
				r.recordOutcome(outcomeError)
				return err
			}
			finalPath := filepath.Join(r.cfg.BaseDir, r.filename)
			if err := publish(tempPath, finalPath); err != nil {
				r.log.WithError(err).Warn("failed to publish completed transfer")
				// §9 Open Question c: the peer already believes the
				// transfer succeeded (it has the final ACK); this error is
				// best-effort only.
				sendError(r.conn, r.peer, errorCodeForWriteErr(err), r.log)
				r.recordOutcome(outcomeError)
				return err
			}
			cleanupTemp = false
			r.log.Debug("transfer complete, published")
			r.recordOutcome(outcomeDone)
			return nil
		}
	}
}

func (r *Receiver) ack(block uint16) error {
	_, err := r.conn.WriteToUDP(AckPacket{Block: block}.Encode(), r.peer)
	return err
}

func (r *Receiver) recordBytes(n int) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.BytesTransferred(kindWRQ, n)
	}
}

func (r *Receiver) recordOutcome(o outcome) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.TransferFinished(kindWRQ, o)
	}
}

// publish atomically moves tempPath to finalPath (§4.4.2, §6.3): rename when
// both paths share a filesystem, otherwise copy + fsync + unlink. Rename is
// attempted first rather than pre-probing devices (§9), and EXDEV is the
// signal to fall back.
func publish(tempPath, finalPath string) error {
	err := os.Rename(tempPath, finalPath)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	return copyAndUnlink(tempPath, finalPath)
}

func copyAndUnlink(tempPath, finalPath string) error {
	src, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(tempPath)
}

// errorCodeForWriteErr maps a write/publish failure to the wire error code
// call sites should report to the peer (§7).
func errorCodeForWriteErr(err error) ErrorCode {
	if errors.Is(err, syscall.ENOSPC) {
		return ErrDiskFull
	}
	if os.IsPermission(err) {
		return ErrAccessViolation
	}
	return ErrUndefined
}
