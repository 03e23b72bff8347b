package infra

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/netguard/netguardd/internal/domain"
)

// GopsutilResolver implements domain.ProcessResolver using gopsutil.
// Interceptors that only know the pid of a connecting process get its
// executable path resolved here before classification.
type GopsutilResolver struct{}

// NewProcessResolver creates a new process resolver.
func NewProcessResolver() domain.ProcessResolver {
	return &GopsutilResolver{}
}

// ExecutablePath returns the full executable path for pid.
func (r *GopsutilResolver) ExecutablePath(pid uint32) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d not found: %w", pid, err)
	}

	path, err := p.Exe()
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable for pid %d: %w", pid, err)
	}
	return path, nil
}

var _ domain.ProcessResolver = (*GopsutilResolver)(nil)
