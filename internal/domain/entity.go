// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"net/netip"
	"time"
)

// Verdict is the arbitration outcome for a single connection attempt.
type Verdict int

const (
	VerdictPermit Verdict = iota
	VerdictBlock
)

// String returns the display form of the verdict.
func (v Verdict) String() string {
	if v == VerdictBlock {
		return "BLOCK"
	}
	return "PERMIT"
}

// Reserved process identifiers that never belong to user applications.
// PID 0 is the idle-process sentinel, PID 4 the kernel sentinel; connection
// attempts attributed to either are always permitted and never queued.
const (
	IdleProcessID   uint32 = 0
	KernelProcessID uint32 = 4
)

// IsSystemProcess reports whether pid is one of the reserved sentinels.
func IsSystemProcess(pid uint32) bool {
	return pid == IdleProcessID || pid == KernelProcessID
}

// ConnAttempt carries the parameters of one outbound connection attempt,
// as delivered by the interception hook.
type ConnAttempt struct {
	ProcessID      uint32
	ExecutablePath string
	RemoteAddr     netip.Addr // IPv4
	RemotePort     uint16
}

// RegistryEntry is a previously made allow/block decision for an executable.
type RegistryEntry struct {
	ExecutablePath string // compared case-insensitively
	Verdict        Verdict
}

// PendingConnection is a connection attempt held for an out-of-band decision.
// ID is unique for the process lifetime and never reused. Allowed is
// meaningless until Resolved is true.
type PendingConnection struct {
	ID             uint64
	ProcessID      uint32
	ExecutablePath string
	RemoteAddr     netip.Addr
	RemotePort     uint16
	CreatedAt      time.Time
	Resolved       bool
	Allowed        bool
}

// EngineStats is a point-in-time snapshot of the engine counters.
// Counters are monotonic and never reset while the process lives.
type EngineStats struct {
	Enabled            bool
	TotalConnections   uint64
	BlockedConnections uint64
	AllowedConnections uint64
	PendingCount       int
}
