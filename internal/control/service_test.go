package control

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
)

// mockRuleStore implements domain.RuleStore for testing
type mockRuleStore struct {
	appended  []domain.RegistryEntry
	appendErr error
}

func (m *mockRuleStore) LoadAll() ([]domain.RegistryEntry, error) { return nil, nil }

func (m *mockRuleStore) Append(entry domain.RegistryEntry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, entry)
	return nil
}

func (m *mockRuleStore) Close() error { return nil }

func newTestService(queueCap int, rules domain.RuleStore) (*Service, *engine.Engine) {
	e := engine.New(engine.Config{RegistryCapacity: 8, QueueCapacity: queueCap}, zap.NewNop())
	return NewService(e, rules, zap.NewNop()), e
}

func classify(e *engine.Engine, pid uint32, path string) domain.Verdict {
	return e.Classify(domain.ConnAttempt{
		ProcessID:      pid,
		ExecutablePath: path,
		RemoteAddr:     netip.AddrFrom4([4]byte{203, 0, 113, 7}),
		RemotePort:     443,
	})
}

// TestService_EnableDisable verifies the enforcement toggle
func TestService_EnableDisable(t *testing.T) {
	svc, e := newTestService(8, nil)

	assert.False(t, e.Enabled())
	svc.Enable()
	assert.True(t, e.Enabled())
	svc.Disable()
	assert.False(t, e.Enabled())
}

// TestService_ListPendingBudget verifies whole-record truncation
func TestService_ListPendingBudget(t *testing.T) {
	svc, e := newTestService(8, nil)
	svc.Enable()

	classify(e, 100, `C:\a.exe`)
	classify(e, 101, `C:\b.exe`)
	classify(e, 102, `C:\c.exe`)

	assert.Len(t, svc.ListPending(3*PendingRecordSize), 3)
	assert.Len(t, svc.ListPending(2*PendingRecordSize+PendingRecordSize-1), 2)
	assert.Nil(t, svc.ListPending(PendingRecordSize-1))

	// Read-only: nothing was drained.
	assert.Equal(t, 3, e.Pending().Len())
}

// TestService_RespondIdempotence verifies ack-then-not-found on double resolve
func TestService_RespondIdempotence(t *testing.T) {
	svc, e := newTestService(8, nil)
	svc.Enable()
	classify(e, 100, `C:\app\x.exe`)

	require.NoError(t, svc.Respond(1, true, false))
	assert.Zero(t, e.Pending().Len())

	err := svc.Respond(1, true, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestService_RespondRemember verifies the remembered verdict reaches registry and store
func TestService_RespondRemember(t *testing.T) {
	store := &mockRuleStore{}
	svc, e := newTestService(8, store)
	svc.Enable()
	classify(e, 100, `C:\app\x.exe`)

	require.NoError(t, svc.Respond(1, true, true))

	v, ok := e.Registry().Lookup(`C:\app\x.exe`)
	require.True(t, ok)
	assert.Equal(t, domain.VerdictPermit, v)
	require.Len(t, store.appended, 1)
	assert.Equal(t, `C:\app\x.exe`, store.appended[0].ExecutablePath)

	// A retry of the same executable is now classified without queueing.
	assert.Equal(t, domain.VerdictPermit, classify(e, 100, `C:\app\x.exe`))
	assert.Zero(t, e.Pending().Len())
}

// TestService_RespondRememberDeny verifies a denied remember records a block
func TestService_RespondRememberDeny(t *testing.T) {
	store := &mockRuleStore{}
	svc, e := newTestService(8, store)
	svc.Enable()
	classify(e, 100, `C:\app\x.exe`)

	require.NoError(t, svc.Respond(1, false, true))

	v, ok := e.Registry().Lookup(`C:\app\x.exe`)
	require.True(t, ok)
	assert.Equal(t, domain.VerdictBlock, v)
}

// TestService_AddRule verifies add + write-through persistence
func TestService_AddRule(t *testing.T) {
	store := &mockRuleStore{}
	svc, e := newTestService(8, store)

	require.NoError(t, svc.AddRule(`C:\app\x.exe`, domain.VerdictBlock))

	v, ok := e.Registry().Lookup(`C:\app\x.exe`)
	require.True(t, ok)
	assert.Equal(t, domain.VerdictBlock, v)
	require.Len(t, store.appended, 1)
	assert.Equal(t, domain.VerdictBlock, store.appended[0].Verdict)
}

// TestService_AddRuleEmptyPath verifies boundary rejection
func TestService_AddRuleEmptyPath(t *testing.T) {
	svc, e := newTestService(8, nil)

	err := svc.AddRule("", domain.VerdictBlock)

	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Zero(t, e.Registry().Len())
}

// TestService_AddRuleRegistryFull verifies the full result propagates
func TestService_AddRuleRegistryFull(t *testing.T) {
	e := engine.New(engine.Config{RegistryCapacity: 1, QueueCapacity: 8}, zap.NewNop())
	svc := NewService(e, nil, zap.NewNop())

	require.NoError(t, svc.AddRule(`C:\a.exe`, domain.VerdictPermit))

	err := svc.AddRule(`C:\b.exe`, domain.VerdictPermit)
	assert.ErrorIs(t, err, engine.ErrRegistryFull)
}

// TestService_AddRulePersistFailureIsNonFatal verifies best-effort persistence
func TestService_AddRulePersistFailureIsNonFatal(t *testing.T) {
	store := &mockRuleStore{appendErr: errors.New("disk gone")}
	svc, e := newTestService(8, store)

	err := svc.AddRule(`C:\app\x.exe`, domain.VerdictPermit)

	assert.NoError(t, err)
	assert.Equal(t, 1, e.Registry().Len())
}

// TestService_Stats verifies the counter snapshot passthrough
func TestService_Stats(t *testing.T) {
	svc, e := newTestService(8, nil)
	svc.Enable()
	require.NoError(t, svc.AddRule(`C:\blocked.exe`, domain.VerdictBlock))

	classify(e, 100, `C:\blocked.exe`)
	classify(e, 100, `C:\unknown.exe`)

	stats := svc.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, uint64(1), stats.BlockedConnections)
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, 1, stats.PendingCount)
}
