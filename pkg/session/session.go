// Package session implements the TFTP transfer state machine: the
// sender half, the receiver half, the request parser, and the
// client-side request handshake. It is the protocol engine at the
// center of this module, grounded on the teacher's SDO client and
// server state machines (pkg/sdo/client.go's downloadMain/upload,
// pkg/sdo/server.go's Process select-loop) but adapted from CAN-frame
// channels to a UDP socket with its own built-in receive deadline, and
// from context-cancellation to the polled Termination flag this
// protocol requires.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/transport"
	"github.com/arwyn/gotftp/pkg/wire"
)

// MaxRetries bounds the number of retransmissions for a single block
// before a session gives up, per spec.
const MaxRetries = 5

var (
	// ErrTerminated is returned when the Termination flag was observed
	// set at a suspension point.
	ErrTerminated = errors.New("session: terminated")
	// ErrMaxRetries is returned when a block exhausted its retransmit budget.
	ErrMaxRetries = errors.New("session: exceeded maximum retries")
	// ErrAborted is returned when the peer sent an ERROR packet.
	ErrAborted = errors.New("session: aborted by peer")
)

// Termination is the sole cancellation mechanism for a running
// session: a flag set once, from outside the engine (typically a
// signal handler), and polled at every suspension point and retry
// iteration. It deliberately does not use context.Context: the engine
// must observe cancellation only at well-defined points, never via
// asynchronous goroutine interruption.
type Termination struct {
	flag atomic.Bool
}

// Set requests termination. Safe to call from any goroutine, any
// number of times.
func (t *Termination) Set() { t.flag.Store(true) }

// Requested reports whether termination has been requested.
func (t *Termination) Requested() bool { return t.flag.Load() }

// Engine drives one TFTP transfer over an already-bound socket. A new
// Engine is created per session; it is not reused across transfers.
type Engine struct {
	sock       *transport.Socket
	peer       *net.UDPAddr
	blockSize  int
	sink       eventlog.EventSink
	term       *Termination
	scratch    []byte
	maxRetries int
}

// NewEngine builds an engine bound to sock, talking to peer (nil if
// the peer's transfer ID has not yet been locked), at the given
// negotiated block size. The retry budget defaults to MaxRetries;
// call SetMaxRetries to override it (the server's runSession wires
// this from config.ServerConfig.MaxRetries).
func NewEngine(sock *transport.Socket, peer *net.UDPAddr, blockSize int, sink eventlog.EventSink, term *Termination) *Engine {
	if sink == nil {
		sink = eventlog.NullSink{}
	}
	return &Engine{
		sock:       sock,
		peer:       peer,
		blockSize:  blockSize,
		sink:       sink,
		term:       term,
		scratch:    make([]byte, wire.MaxBlockSize+4),
		maxRetries: MaxRetries,
	}
}

// Peer reports the locked remote address, or nil before the first
// datagram has been observed.
func (e *Engine) Peer() *net.UDPAddr { return e.peer }

// SetMaxRetries overrides the per-block retry budget. n <= 0 is ignored.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries = n
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// recv blocks for the next datagram from the locked peer, silently
// ignoring malformed datagrams and answering any datagram from a
// different source address with an unknown-transfer-ID error, per the
// TID-locking rule. It returns transport.ErrTimeout unchanged so
// callers can distinguish "nothing arrived" from a decode failure.
func (e *Engine) recv() (wire.Packet, error) {
	for {
		n, from, err := e.sock.RecvFrom(e.scratch)
		if err != nil {
			return nil, err
		}
		if e.peer != nil && !sameAddr(from, e.peer) {
			e.sock.SendTo(wire.EncodeError(wire.ErrUnknownTransferID, "unknown transfer ID"), from)
			continue
		}
		if e.peer == nil {
			e.peer = from
		}
		pkt, derr := wire.Decode(e.scratch[:n])
		if derr != nil {
			continue
		}
		return pkt, nil
	}
}

// SendAckZero sends the ACK(0) that starts a write transfer and locks
// the peer address on this engine, so the subsequent ReceiveFile only
// ever talks to the client that issued the WRQ.
func (e *Engine) SendAckZero(peer *net.UDPAddr) error {
	e.peer = peer
	return e.sock.SendTo(wire.EncodeAck(0), peer)
}

// SendAck sends a plain ACK for block to the locked peer, used by the
// delete handler's two-phase commit (spec §4.4.5 step 4) once the file
// has actually been removed.
func (e *Engine) SendAck(block uint16) error {
	return e.sock.SendTo(wire.EncodeAck(block), e.peer)
}

// AwaitAck blocks for a confirmation datagram carrying the given block
// number, used by the client delete handshake's commit phase (spec
// §4.4.4): the request has already been acknowledged once with
// ACK(0), so a timeout here has nothing to usefully retransmit and
// simply keeps waiting, still bounded by the retry budget.
func (e *Engine) AwaitAck(block uint16) error {
	retries := 0
	for {
		if e.term.Requested() {
			return ErrTerminated
		}
		pkt, err := e.recv()
		if errors.Is(err, transport.ErrTimeout) {
			retries++
			if retries > e.maxRetries {
				return ErrMaxRetries
			}
			e.sink.OnRetry(retries, "commit ack timeout")
			continue
		}
		if err != nil {
			return err
		}
		switch p := pkt.(type) {
		case *wire.ErrorPacket:
			return fmt.Errorf("%w: %s", ErrAborted, p.Message)
		case *wire.AckPacket:
			if p.Block == block {
				return nil
			}
			continue
		default:
			continue
		}
	}
}

// Abort sends an ERROR datagram to the locked peer. It is best-effort:
// the sole reply to an ERROR is silence, so no response is awaited.
func (e *Engine) Abort(code wire.ErrorCode, message string) {
	if e.peer == nil {
		return
	}
	e.sock.SendTo(wire.EncodeError(code, message), e.peer)
	e.sink.OnError(uint16(code), message)
}

// SendFile is the sender half (spec §4.4.2): it streams r out as DATA
// blocks in lock-step with the peer's ACKs, retransmitting on timeout
// and tolerating duplicate ACKs without treating them as a new round.
func (e *Engine) SendFile(r io.Reader) (int64, error) {
	start := time.Now()
	var total int64
	var block uint16 = 1
	buf := make([]byte, e.blockSize)

	payload, readErr := readBlock(r, buf)
	if readErr != nil && readErr != io.EOF {
		return 0, readErr
	}

	for {
		if e.term.Requested() {
			return total, ErrTerminated
		}
		final := len(payload) < e.blockSize

		e.sock.SendTo(wire.EncodeData(block, payload), e.peer)
		retries := 0
		for {
			if e.term.Requested() {
				return total, ErrTerminated
			}
			pkt, err := e.recv()
			if errors.Is(err, transport.ErrTimeout) {
				retries++
				if retries > e.maxRetries {
					return total, ErrMaxRetries
				}
				e.sink.OnRetry(retries, "ack timeout")
				e.sock.SendTo(wire.EncodeData(block, payload), e.peer)
				continue
			}
			if err != nil {
				return total, err
			}
			switch p := pkt.(type) {
			case *wire.ErrorPacket:
				return total, fmt.Errorf("%w: %s", ErrAborted, p.Message)
			case *wire.AckPacket:
				if p.Block != block {
					e.sink.OnDuplicate(p.Block)
					continue
				}
			default:
				continue
			}
			break
		}

		total += int64(len(payload))
		if final {
			e.sink.OnComplete(total, time.Since(start))
			return total, nil
		}
		block++
		payload, readErr = readBlock(r, buf)
		if readErr != nil && readErr != io.EOF {
			return total, readErr
		}
	}
}

// ReceiveFile is the receiver half (spec §4.4.3): the server's WRQ
// response path calls it after sending ACK(0) via SendAckZero, so it
// only ever waits on blocks 1..N.
func (e *Engine) ReceiveFile(w io.Writer) (int64, error) {
	return e.receiveFile(w, nil)
}

// ReceiveFileFrom is ReceiveFile for a client read, where the
// handshake already received block 1 while locking the peer; first is
// folded into the same loop so retransmission and duplicate handling
// don't need a second copy of the logic.
func (e *Engine) ReceiveFileFrom(w io.Writer, first *wire.DataPacket) (int64, error) {
	return e.receiveFile(w, first)
}

func (e *Engine) receiveFile(w io.Writer, pending *wire.DataPacket) (int64, error) {
	start := time.Now()
	var total int64
	var expected uint16 = 1
	var lastAcked uint16 = 0
	retries := 0

	for {
		if e.term.Requested() {
			return total, ErrTerminated
		}
		var pkt wire.Packet
		var err error
		if pending != nil {
			pkt, pending = pending, nil
		} else {
			pkt, err = e.recv()
		}
		if errors.Is(err, transport.ErrTimeout) {
			retries++
			if retries > e.maxRetries {
				return total, ErrMaxRetries
			}
			e.sink.OnRetry(retries, "data timeout")
			e.sock.SendTo(wire.EncodeAck(lastAcked), e.peer)
			continue
		}
		if err != nil {
			return total, err
		}

		switch p := pkt.(type) {
		case *wire.ErrorPacket:
			return total, fmt.Errorf("%w: %s", ErrAborted, p.Message)
		case *wire.DataPacket:
			if p.Block == lastAcked && lastAcked != 0 {
				e.sink.OnDuplicate(p.Block)
				e.sock.SendTo(wire.EncodeAck(lastAcked), e.peer)
				continue
			}
			if p.Block != expected {
				continue
			}
			n, werr := w.Write(p.Payload)
			if werr != nil {
				e.Abort(wire.ErrOutOfSpace, werr.Error())
				return total, werr
			}
			total += int64(n)
			lastAcked = expected
			e.sock.SendTo(wire.EncodeAck(lastAcked), e.peer)
			retries = 0
			if len(p.Payload) < e.blockSize {
				e.sink.OnComplete(total, time.Since(start))
				return total, nil
			}
			expected++
		default:
			continue
		}
	}
}

func readBlock(r io.Reader, buf []byte) ([]byte, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:n], io.EOF
	}
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ParsedRequest is the normalized result of the request parser
// (spec §4.3): a decoded REQUEST packet with its transfer mode and
// block size already validated and defaulted.
type ParsedRequest struct {
	Op        wire.Opcode
	Filename  string
	Mode      wire.Mode
	BlockSize int
}

// ErrUnsupportedMode is returned for netascii and mail, which this
// implementation rejects per spec (octet only).
var ErrUnsupportedMode = errors.New("session: only octet transfer mode is supported")

// ErrBadBlockSize is returned when a requested blksize option falls
// outside [wire.MinBlockSize, wire.MaxBlockSize].
var ErrBadBlockSize = errors.New("session: blksize option out of range")

// ParseRequest decodes and validates a raw REQUEST datagram, per spec
// §4.3: decode, reject non-octet modes, default-or-validate the
// blksize option.
func ParseRequest(raw []byte) (*ParsedRequest, error) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	req, ok := pkt.(*wire.RequestPacket)
	if !ok {
		return nil, fmt.Errorf("session: expected a request packet, got %s", pkt.Opcode())
	}
	if req.Op != wire.OpDeleteRequest && req.Mode != wire.ModeOctet {
		return nil, ErrUnsupportedMode
	}
	size, ok := wire.NormalizeBlockSize(req.BlockSize, req.HasBlksize)
	if !ok {
		return nil, ErrBadBlockSize
	}
	return &ParsedRequest{
		Op:        req.Op,
		Filename:  req.Filename,
		Mode:      req.Mode,
		BlockSize: size,
	}, nil
}
