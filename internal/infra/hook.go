// Package infra implements infrastructure concerns (interception hook,
// rule persistence, process inspection, config, metrics).
package infra

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/domain"
)

// Hook wire format: the interceptor streams fixed-size attempt records and
// reads one verdict byte per record, in order.
const (
	hookPathBytes     = 512
	hookAttemptSize   = 4 + hookPathBytes + 4 + 2 // pid, path, IPv4, port
	hookVerdictPermit = 0
	hookVerdictBlock  = 1
)

// SocketHook implements domain.InterceptionHook over a unix stream socket.
// The OS-level interceptor (the WFP/NFQUEUE shim) connects and drives
// classification; this adapter enforces nothing itself. Each connection is
// served by its own goroutine, so parallel interceptor threads get parallel
// classification.
type SocketHook struct {
	socketPath string
	resolver   domain.ProcessResolver // optional, for attempts without a path
	logger     *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewSocketHook creates a hook listening on socketPath once attached.
// resolver may be nil.
func NewSocketHook(socketPath string, resolver domain.ProcessResolver, logger *zap.Logger) *SocketHook {
	return &SocketHook{
		socketPath: socketPath,
		resolver:   resolver,
		logger:     logger,
	}
}

// Attach binds the hook socket and starts classifying delivered attempts.
// A bind failure means the engine has no eyes on the network stack, so
// callers must treat it as fatal rather than run unprotected.
func (h *SocketHook) Attach(ctx context.Context, c domain.Classifier) error {
	if c == nil {
		return errors.New("hook requires a classifier")
	}

	if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale hook socket: %w", err)
	}

	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("failed to attach interception hook: %w", err)
	}

	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = h.Detach()
	}()

	h.wg.Add(1)
	go h.acceptLoop(ln, c)

	h.logger.Info("interception hook attached", zap.String("socket", h.socketPath))
	return nil
}

// Detach closes the hook socket and waits for interceptor connections to
// drain. Safe to call more than once.
func (h *SocketHook) Detach() error {
	h.mu.Lock()
	ln := h.ln
	h.ln = nil
	h.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	h.wg.Wait()
	h.logger.Info("interception hook detached")
	return err
}

func (h *SocketHook) acceptLoop(ln net.Listener, c domain.Classifier) {
	defer h.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.logger.Warn("hook accept failed", zap.Error(err))
			}
			return
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer conn.Close()
			h.serveInterceptor(conn, c)
		}()
	}
}

func (h *SocketHook) serveInterceptor(conn net.Conn, c domain.Classifier) {
	buf := make([]byte, hookAttemptSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return // interceptor gone
		}

		attempt := decodeAttempt(buf)
		if attempt.ExecutablePath == "" && h.resolver != nil {
			if path, err := h.resolver.ExecutablePath(attempt.ProcessID); err == nil {
				attempt.ExecutablePath = path
			}
		}

		verdict := c.Classify(attempt)

		reply := byte(hookVerdictPermit)
		if verdict == domain.VerdictBlock {
			reply = hookVerdictBlock
		}
		if _, err := conn.Write([]byte{reply}); err != nil {
			return
		}
	}
}

func decodeAttempt(buf []byte) domain.ConnAttempt {
	path := buf[4 : 4+hookPathBytes]
	end := len(path)
	for i, b := range path {
		if b == 0 {
			end = i
			break
		}
	}

	var a4 [4]byte
	copy(a4[:], buf[4+hookPathBytes:4+hookPathBytes+4])

	return domain.ConnAttempt{
		ProcessID:      binary.LittleEndian.Uint32(buf[0:4]),
		ExecutablePath: string(path[:end]),
		RemoteAddr:     netip.AddrFrom4(a4),
		RemotePort:     binary.LittleEndian.Uint16(buf[4+hookPathBytes+4:]),
	}
}

var _ domain.InterceptionHook = (*SocketHook)(nil)
