package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/engine"
)

// maxPendingReply caps a single GetPending reply regardless of the budget
// the client asks for.
const maxPendingReply = 1 << 20

// Server serves the control protocol on a unix stream socket. A connection
// may carry any number of requests; replies are written in order.
type Server struct {
	socketPath string
	service    *Service
	logger     *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a control server bound to socketPath on Start.
func NewServer(socketPath string, service *Service, logger *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		service:    service,
		logger:     logger,
	}
}

// Start binds the socket and begins accepting control connections.
func (s *Server) Start() error {
	// A previous unclean shutdown may have left the socket file behind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("control server listening", zap.String("socket", s.socketPath))
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control accept failed", zap.Error(err))
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		var op [1]byte
		if _, err := io.ReadFull(conn, op[:]); err != nil {
			return // EOF: client done
		}

		if err := s.handleRequest(conn, op[0]); err != nil {
			s.logger.Debug("control connection closed", zap.Error(err))
			return
		}
	}
}

// handleRequest reads the opcode's payload, dispatches and writes the reply.
// Malformed payloads are rejected before any state is touched.
func (s *Server) handleRequest(conn net.Conn, op byte) error {
	switch op {
	case OpEnable:
		s.service.Enable()
		return writeStatus(conn, StatusOK, nil)

	case OpDisable:
		s.service.Disable()
		return writeStatus(conn, StatusOK, nil)

	case OpGetPending:
		var payload [getPendingPayloadSize]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return err
		}
		budget := int(binary.LittleEndian.Uint32(payload[:]))
		if budget > maxPendingReply {
			budget = maxPendingReply
		}

		var body []byte
		for _, pc := range s.service.ListPending(budget) {
			body = AppendPendingRecord(body, pc)
		}
		return writeStatus(conn, StatusOK, body)

	case OpRespond:
		var payload [respondPayloadSize]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return err
		}
		id := binary.LittleEndian.Uint64(payload[0:8])
		allowed := payload[8] != 0
		remember := payload[9] != 0

		if err := s.service.Respond(id, allowed, remember); err != nil {
			return writeStatus(conn, StatusNotFound, nil)
		}
		return writeStatus(conn, StatusOK, nil)

	case OpAddRule:
		var payload [addRulePayloadSize]byte
		if _, err := io.ReadFull(conn, payload[:]); err != nil {
			return err
		}
		path := decodePath(payload[:MaxPathBytes])
		verdict := verdictFromByte(payload[MaxPathBytes])

		err := s.service.AddRule(path, verdict)
		switch {
		case errors.Is(err, engine.ErrRegistryFull):
			return writeStatus(conn, StatusFull, nil)
		case errors.Is(err, ErrMalformedRequest):
			return writeStatus(conn, StatusMalformed, nil)
		case err != nil:
			return writeStatus(conn, StatusMalformed, nil)
		}
		return writeStatus(conn, StatusOK, nil)

	case OpStats:
		return writeStatus(conn, StatusOK, encodeStats(s.service.Stats()))

	default:
		// Unknown opcode: the payload length is unknowable, so the
		// connection cannot be resynchronized. Reject and drop it.
		_ = writeStatus(conn, StatusMalformed, nil)
		return fmt.Errorf("unknown opcode 0x%02x", op)
	}
}

// writeStatus writes a reply: status byte, u32 body length, body.
func writeStatus(conn net.Conn, status byte, body []byte) error {
	header := make([]byte, 5)
	header[0] = status
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}
