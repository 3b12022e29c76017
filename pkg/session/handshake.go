package session

import (
	"errors"
	"fmt"
	"net"

	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/transport"
	"github.com/arwyn/gotftp/pkg/wire"
)

// ErrUnexpectedReply is returned when the first datagram in a client
// handshake is not the packet shape the operation expects.
var ErrUnexpectedReply = errors.New("session: unexpected reply to initial request")

// ClientHandshake sends the initial REQUEST datagram from a freshly
// bound client socket and retries until a reply locks the peer's
// transfer ID, per spec §4.4.4. The returned Engine has its peer
// already locked to the responding server session's ephemeral port,
// not the well-known server port the request was sent to.
type ClientHandshake struct {
	sock             *transport.Socket
	blockSize        int
	peerFromLastRecv *net.UDPAddr
}

// NewClientHandshake wraps an already-bound client socket.
func NewClientHandshake(sock *transport.Socket, blockSize int) *ClientHandshake {
	return &ClientHandshake{sock: sock, blockSize: blockSize}
}

// Read performs a read request: send RRQ, wait for either the first
// DATA block (locking the peer) or an ERROR, which is returned as
// ErrAborted. It returns an engine ready for ReceiveFileFrom to consume
// the remaining blocks, plus the already-received first DataPacket so
// the caller doesn't lose it.
func (h *ClientHandshake) Read(server *net.UDPAddr, filename string, term *Termination, sink eventlog.EventSink) (*Engine, *wire.DataPacket, error) {
	raw := wire.EncodeRequest(wire.OpReadRequest, filename, wire.ModeOctet, h.blockSize)
	pkt, err := h.exchange(server, raw, term, sink)
	if err != nil {
		return nil, nil, err
	}
	if e, ok := pkt.(*wire.ErrorPacket); ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAborted, e.Message)
	}
	data, ok := pkt.(*wire.DataPacket)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %s", ErrUnexpectedReply, pkt.Opcode())
	}
	eng := NewEngine(h.sock, h.peerFromLastRecv, h.blockSize, sink, term)
	return eng, data, nil
}

// Write performs a write request: send WRQ, wait for ACK(0), which
// locks the peer. The returned engine is ready for SendFile.
func (h *ClientHandshake) Write(server *net.UDPAddr, filename string, term *Termination, sink eventlog.EventSink) (*Engine, error) {
	raw := wire.EncodeRequest(wire.OpWriteRequest, filename, wire.ModeOctet, h.blockSize)
	pkt, err := h.exchange(server, raw, term, sink)
	if err != nil {
		return nil, err
	}
	if e, ok := pkt.(*wire.ErrorPacket); ok {
		return nil, fmt.Errorf("%w: %s", ErrAborted, e.Message)
	}
	ack, ok := pkt.(*wire.AckPacket)
	if !ok || ack.Block != 0 {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedReply, pkt.Opcode())
	}
	return NewEngine(h.sock, h.peerFromLastRecv, h.blockSize, sink, term), nil
}

// Delete performs a non-standard delete request and implements the
// two-phase commit of spec §4.4.4: it awaits ACK(0) acknowledging the
// request, then awaits a second ACK carrying block 1 to confirm the
// file was actually removed.
func (h *ClientHandshake) Delete(server *net.UDPAddr, filename string, term *Termination) error {
	raw := wire.EncodeRequest(wire.OpDeleteRequest, filename, wire.ModeOctet, 0)
	pkt, err := h.exchange(server, raw, term, nil)
	if err != nil {
		return err
	}
	switch p := pkt.(type) {
	case *wire.ErrorPacket:
		return fmt.Errorf("%w: %s", ErrAborted, p.Message)
	case *wire.AckPacket:
		if p.Block != 0 {
			return fmt.Errorf("%w: got ACK(%d), expected ACK(0)", ErrUnexpectedReply, p.Block)
		}
	default:
		return fmt.Errorf("%w: got %s", ErrUnexpectedReply, pkt.Opcode())
	}

	eng := NewEngine(h.sock, h.peerFromLastRecv, h.blockSize, nil, term)
	return eng.AwaitAck(1)
}

// retrySink is the minimal slice of eventlog.EventSink the handshake
// needs; declared locally so callers aren't forced to depend on the
// full EventSink interface just to retry.
type retrySink = interface {
	OnRetry(round int, reason string)
}

func (h *ClientHandshake) exchange(server *net.UDPAddr, raw []byte, term *Termination, sink retrySink) (wire.Packet, error) {
	var lastPeer *net.UDPAddr
	buf := make([]byte, wire.MaxBlockSize+4)
	retries := 0
	for {
		if term != nil && term.Requested() {
			return nil, ErrTerminated
		}
		if err := h.sock.SendTo(raw, server); err != nil {
			return nil, err
		}
		n, from, err := h.sock.RecvFrom(buf)
		if err != nil {
			if err == transport.ErrTimeout {
				retries++
				if retries > MaxRetries {
					return nil, ErrMaxRetries
				}
				if sink != nil {
					sink.OnRetry(retries, "initial request timeout")
				}
				continue
			}
			return nil, err
		}
		pkt, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue
		}
		lastPeer = from
		h.peerFromLastRecv = lastPeer
		return pkt, nil
	}
}
