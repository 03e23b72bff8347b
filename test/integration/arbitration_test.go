//go:build integration

package integration

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/control"
	"github.com/netguard/netguardd/internal/daemon"
	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
	"github.com/netguard/netguardd/internal/infra"
)

const (
	verdictPermit = 0
	verdictBlock  = 1

	pendingBudget = 64 * 1024
)

// stack runs a full daemon: engine, encrypted rule store, control server
// and hook socket, with real unix sockets in a temp dir.
type stack struct {
	dataDir    string
	hookSocket string
	client     *control.Client
	cancel     context.CancelFunc
	done       chan error
}

func startStack(baseDir string, queueCapacity int) *stack {
	logger := zap.NewNop()

	dataDir := filepath.Join(baseDir, "data")
	controlSocket := filepath.Join(baseDir, "control.sock")
	hookSocket := filepath.Join(baseDir, "hook.sock")

	keyProvider := infra.NewFileKeyProvider(dataDir)
	key, err := keyProvider.EnsureKey()
	Expect(err).NotTo(HaveOccurred())

	store, err := infra.NewRuleStore(dataDir, key)
	Expect(err).NotTo(HaveOccurred())

	eng := engine.New(engine.Config{QueueCapacity: queueCapacity}, logger)
	service := control.NewService(eng, store, logger)
	server := control.NewServer(controlSocket, service, logger)
	hook := infra.NewSocketHook(hookSocket, nil, logger)

	cfg := daemon.DefaultConfig()
	cfg.StatsLogInterval = time.Hour // keep the loop quiet during specs
	d := daemon.New(cfg, eng, hook, server, store, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{
		dataDir:    dataDir,
		hookSocket: hookSocket,
		client:     control.NewClient(controlSocket),
		cancel:     cancel,
		done:       make(chan error, 1),
	}
	go func() { s.done <- d.Run(ctx) }()

	Eventually(func() error {
		_, err := s.client.Stats()
		return err
	}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

	Eventually(func() error {
		conn, err := net.Dial("unix", hookSocket)
		if err == nil {
			conn.Close()
		}
		return err
	}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

	return s
}

func (s *stack) stop() {
	s.cancel()
	Eventually(s.done, 2*time.Second).Should(Receive(MatchError(context.Canceled)))
}

// interceptor simulates the OS-level shim on the hook socket.
type interceptor struct {
	conn net.Conn
}

func dialInterceptor(hookSocket string) *interceptor {
	conn, err := net.Dial("unix", hookSocket)
	Expect(err).NotTo(HaveOccurred())
	return &interceptor{conn: conn}
}

func (i *interceptor) close() {
	i.conn.Close()
}

// attempt delivers one connection attempt and returns the verdict byte.
func (i *interceptor) attempt(pid uint32, path string, port uint16) byte {
	record := make([]byte, 4+512+4+2)
	binary.LittleEndian.PutUint32(record[0:4], pid)
	copy(record[4:4+512], path)
	copy(record[4+512:], []byte{198, 51, 100, 7})
	binary.LittleEndian.PutUint16(record[4+512+4:], port)

	_, err := i.conn.Write(record)
	Expect(err).NotTo(HaveOccurred())

	reply := make([]byte, 1)
	_, err = io.ReadFull(i.conn, reply)
	Expect(err).NotTo(HaveOccurred())
	return reply[0]
}

var _ = Describe("Connection arbitration", func() {
	var (
		tmpDir string
		s      *stack
		shim   *interceptor
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "netguardd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		s = startStack(tmpDir, 0)
		shim = dialInterceptor(s.hookSocket)
	})

	AfterEach(func() {
		shim.close()
		s.stop()
		os.RemoveAll(tmpDir)
	})

	Context("while enforcement is off", func() {
		It("permits everything without recording state", func() {
			verdict := shim.attempt(1234, "/usr/bin/curl", 443)
			Expect(verdict).To(Equal(byte(verdictPermit)))

			stats, err := s.client.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Enabled).To(BeFalse())
			Expect(stats.TotalConnections).To(BeZero())
			Expect(stats.PendingCount).To(BeZero())
		})
	})

	Context("with enforcement on", func() {
		BeforeEach(func() {
			Expect(s.client.Enable()).To(Succeed())
		})

		It("blocks unknown executables and queues them for a decision", func() {
			verdict := shim.attempt(1234, "/usr/bin/curl", 443)
			Expect(verdict).To(Equal(byte(verdictBlock)))

			entries, err := s.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal(uint64(1)))
			Expect(entries[0].ProcessID).To(Equal(uint32(1234)))
			Expect(entries[0].ExecutablePath).To(Equal("/usr/bin/curl"))
			Expect(entries[0].RemotePort).To(Equal(uint16(443)))
		})

		It("always permits reserved system processes", func() {
			Expect(shim.attempt(0, "", 53)).To(Equal(byte(verdictPermit)))
			Expect(shim.attempt(4, "", 445)).To(Equal(byte(verdictPermit)))

			stats, err := s.client.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalConnections).To(BeZero())
			Expect(stats.PendingCount).To(BeZero())
		})

		It("applies registry rules without queueing", func() {
			Expect(s.client.AddRule("/usr/bin/curl", domain.VerdictBlock)).To(Succeed())
			Expect(s.client.AddRule("/usr/bin/ssh", domain.VerdictPermit)).To(Succeed())

			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictBlock)))
			Expect(shim.attempt(1235, "/USR/BIN/SSH", 22)).To(Equal(byte(verdictPermit)))

			stats, err := s.client.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.BlockedConnections).To(Equal(uint64(1)))
			Expect(stats.AllowedConnections).To(Equal(uint64(1)))
			Expect(stats.PendingCount).To(BeZero())
		})

		It("applies a resolution to future attempts, never the held one", func() {
			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictBlock)))

			Expect(s.client.Respond(1, true, true)).To(Succeed())

			entries, err := s.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())

			// The same executable connects again: this time the remembered
			// rule answers without queueing.
			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictPermit)))

			stats, err := s.client.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.AllowedConnections).To(Equal(uint64(1)))
		})

		It("rejects a response for an unknown id", func() {
			err := s.client.Respond(99, true, false)
			Expect(err).To(MatchError(control.ErrNotFound))
		})

		It("keeps pending decisions across disable", func() {
			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictBlock)))
			Expect(s.client.Disable()).To(Succeed())

			entries, err := s.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))

			Expect(s.client.Respond(entries[0].ID, false, false)).To(Succeed())
		})
	})

	Context("when the pending queue is full", func() {
		It("fails closed without allocating ids", func() {
			small := startStack(GinkgoT().TempDir(), 2)
			defer small.stop()
			Expect(small.client.Enable()).To(Succeed())

			sm := dialInterceptor(small.hookSocket)
			defer sm.close()

			Expect(sm.attempt(100, "/opt/a", 80)).To(Equal(byte(verdictBlock)))
			Expect(sm.attempt(101, "/opt/b", 80)).To(Equal(byte(verdictBlock)))
			Expect(sm.attempt(102, "/opt/c", 80)).To(Equal(byte(verdictBlock)))

			entries, err := small.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ID).To(Equal(uint64(1)))
			Expect(entries[1].ID).To(Equal(uint64(2)))

			stats, err := small.client.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalConnections).To(Equal(uint64(2)))
			Expect(stats.BlockedConnections).To(Equal(uint64(1)))

			// Once a slot frees up, admission resumes with fresh ids.
			Expect(small.client.Respond(1, false, false)).To(Succeed())
			Expect(sm.attempt(103, "/opt/d", 80)).To(Equal(byte(verdictBlock)))

			entries, err = small.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[1].ID).To(Equal(uint64(3)))
		})
	})

	Context("across restarts", func() {
		It("reloads remembered rules from the encrypted store", func() {
			Expect(s.client.Enable()).To(Succeed())
			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictBlock)))
			Expect(s.client.Respond(1, true, true)).To(Succeed())

			shim.close()
			s.stop()

			s = startStack(tmpDir, 0)
			shim = dialInterceptor(s.hookSocket)
			Expect(s.client.Enable()).To(Succeed())

			Expect(shim.attempt(1234, "/usr/bin/curl", 443)).To(Equal(byte(verdictPermit)))

			entries, err := s.client.GetPending(pendingBudget)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})
})
