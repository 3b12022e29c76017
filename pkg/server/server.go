// Package server implements the TFTP listener and its bounded session
// slot table, grounded on the teacher's NodeProcessor/Network pair
// (pkg/node/controller.go's Start/Stop/Wait lifecycle and
// pkg/network/network.go's controllers map of live per-node state
// machines), adapted from CAN node IDs to a plain count of active UDP
// sessions; each session is told apart by its own socket and locked
// peer, not by a slot key.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/arwyn/gotftp/pkg/config"
	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/session"
	"github.com/arwyn/gotftp/pkg/storage"
	"github.com/arwyn/gotftp/pkg/transport"
	"github.com/arwyn/gotftp/pkg/wire"
)

// Server is the TFTP listener. One Server owns the well-known-port
// socket and a bounded pool of concurrent session slots.
type Server struct {
	cfg     *config.ServerConfig
	root    *storage.Root
	logger  *log.Entry
	term    *session.Termination
	listen  *transport.Socket

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup

	ready chan int // receives the bound port once Start has listened
}

// New builds a Server from cfg. The storage root must already exist.
func New(cfg *config.ServerConfig) (*Server, error) {
	root, err := storage.NewRoot(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("server: storage root: %w", err)
	}
	return &Server{
		cfg:    cfg,
		root:   root,
		logger: log.WithField("service", "[SERVER]"),
		term:   &session.Termination{},
		ready:  make(chan int, 1),
	}, nil
}

// WaitReady blocks until the listener has bound its socket and
// returns the port it bound, useful in tests that ask for an
// OS-assigned port via ServerConfig.Port == 0.
func (s *Server) WaitReady() int { return <-s.ready }

// Terminate requests shutdown: the listener stops accepting new
// requests and every in-flight session observes the flag at its next
// suspension point, the same polled-flag mechanism each session uses
// internally.
func (s *Server) Terminate() { s.term.Set() }

// Start binds the well-known port and runs the accept loop until
// Terminate is called and all in-flight sessions drain. It blocks
// until Wait would return, mirroring the teacher's
// NodeProcessor.Start/Wait split being driven from one call here for
// a single top-level listener.
func (s *Server) Start() error {
	sock, err := transport.BindWellKnown(s.cfg.ListenAddr, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: bind :%d: %w", s.cfg.Port, err)
	}
	s.listen = sock
	s.logger.WithField("port", sock.Port()).Info("listening")
	s.ready <- sock.Port()

	buf := make([]byte, wire.MaxBlockSize+4)
	for {
		if s.term.Requested() {
			break
		}
		n, from, err := s.listen.RecvFrom(buf)
		if err == transport.ErrTimeout {
			continue
		}
		if err != nil {
			s.logger.WithError(err).Warn("listener recv failed")
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		s.dispatch(raw, from)
	}
	s.wg.Wait()
	return s.listen.Close()
}

func (s *Server) dispatch(raw []byte, from *net.UDPAddr) {
	req, err := session.ParseRequest(raw)
	if err != nil {
		s.logger.WithError(err).WithField("peer", from).Warn("malformed request")
		s.listen.SendTo(wire.EncodeError(wire.ErrIllegalOperation, err.Error()), from)
		return
	}

	s.mu.Lock()
	if s.active >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.listen.SendTo(wire.EncodeError(wire.ErrOutOfSpace, "server exceeded max connections"), from)
		return
	}
	s.active++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		s.runSession(req, from)
	}()
}

func (s *Server) runSession(req *session.ParsedRequest, client *net.UDPAddr) {
	sock, err := transport.BindEphemeral(transport.RoleServerSession)
	if err != nil {
		s.logger.WithError(err).Error("could not bind session socket")
		return
	}
	defer sock.Close()

	sessionID := fmt.Sprintf("%s:%d", client.IP, client.Port)
	sink := eventlog.NewLogrusSink("server", sessionID)
	sink.OnStart(req.Op.String(), client.String(), req.Filename)

	eng := session.NewEngine(sock, client, req.BlockSize, sink, s.term)
	eng.SetMaxRetries(s.cfg.MaxRetries)

	switch req.Op {
	case wire.OpReadRequest:
		s.serveRead(eng, req, client)
	case wire.OpWriteRequest:
		s.serveWrite(eng, req, client)
	case wire.OpDeleteRequest:
		s.serveDelete(eng, req, client)
	default:
		eng.Abort(wire.ErrIllegalOperation, "unsupported operation")
	}
}

func (s *Server) serveRead(eng *session.Engine, req *session.ParsedRequest, client *net.UDPAddr) {
	f, _, err := s.root.Open(req.Filename)
	if err != nil {
		eng.Abort(wire.ErrFileNotFound, err.Error())
		return
	}
	defer f.Close()
	if _, err := eng.SendFile(f); err != nil {
		s.logger.WithError(err).WithField("file", req.Filename).Warn("read transfer failed")
	}
}

// serveWrite implements the receive-side pre-flight (spec §4.4.6) and
// failure/cleanup semantics for partial receives (spec §4.4.7): an
// existing file triggers an ERROR(FileExists) carrying its
// last-modified time before any data is accepted, and a receive that
// fails partway removes the partial file rather than leaving it
// behind.
func (s *Server) serveWrite(eng *session.Engine, req *session.ParsedRequest, client *net.UDPAddr) {
	exists, err := s.root.Exists(req.Filename)
	if err != nil {
		eng.Abort(wire.ErrAccessViolation, err.Error())
		return
	}
	if exists {
		modTime, _ := s.root.ModTime(req.Filename)
		eng.Abort(wire.ErrFileExists, fmt.Sprintf("file exists, created %s, delete first", modTime))
		return
	}

	w, err := s.root.CreateExclusive(req.Filename)
	if err != nil {
		eng.Abort(wire.ErrFileExists, err.Error())
		return
	}

	// ACK(0) starts the transfer; it also locks this session's peer
	// the same way the client handshake's first reply locks the peer
	// on the other side of a read.
	if sendErr := eng.SendAckZero(client); sendErr != nil {
		w.Close()
		s.root.Remove(req.Filename)
		return
	}

	_, err = eng.ReceiveFile(w)
	closeErr := w.Close()
	if err != nil || closeErr != nil {
		s.logger.WithField("file", req.Filename).Warn("write transfer failed, removing partial file")
		if rmErr := s.root.Remove(req.Filename); rmErr != nil {
			s.logger.WithError(rmErr).Error("failed to remove partial file")
		}
	}
}

// serveDelete implements the two-phase delete protocol (spec §4.4.5):
// ACK(0) acknowledges the request, then the file is opened read-only
// to confirm it exists, then removed, then a second ACK(1) signals the
// commit. Like READ/WRITE, it runs on its own session socket after
// slot acquisition, so it participates in TID locking and the bounded
// session count instead of blocking the accept loop.
func (s *Server) serveDelete(eng *session.Engine, req *session.ParsedRequest, client *net.UDPAddr) {
	if err := eng.SendAckZero(client); err != nil {
		return
	}

	f, _, err := s.root.Open(req.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			eng.Abort(wire.ErrFileNotFound, err.Error())
		} else {
			eng.Abort(wire.ErrUndefined, err.Error())
		}
		return
	}
	f.Close()

	if err := s.root.Remove(req.Filename); err != nil {
		eng.Abort(wire.ErrUndefined, err.Error())
		return
	}

	eng.SendAck(1)
}
