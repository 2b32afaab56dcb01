package cloud

import (
	"context"
	"fmt"
	"sync"
)

// MockProvisioner is an in-memory Provisioner that records every call, for
// dispatcher and backend tests.
type MockProvisioner struct {
	mu sync.Mutex

	CreateErr  error
	WaitErr    error
	DestroyErr error

	CreateCalls  []CreateOptions
	WaitCalls    []string
	DestroyCalls []string

	nextID int
}

func (p *MockProvisioner) Create(_ context.Context, opts CreateOptions) (*Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CreateCalls = append(p.CreateCalls, opts)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.nextID++
	return &Host{
		ID:      fmt.Sprintf("i-mock%04d", p.nextID),
		Address: fmt.Sprintf("10.0.0.%d", p.nextID),
	}, nil
}

func (p *MockProvisioner) WaitReady(_ context.Context, hostID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WaitCalls = append(p.WaitCalls, hostID)
	return p.WaitErr
}

func (p *MockProvisioner) Address(_ context.Context, hostID string) (string, error) {
	return "10.0.0.1", nil
}

func (p *MockProvisioner) Destroy(_ context.Context, hostID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.DestroyCalls = append(p.DestroyCalls, hostID)
	return p.DestroyErr
}

// TotalCalls reports how many provisioning operations ran, for tests that
// must prove no side effect happened.
func (p *MockProvisioner) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.CreateCalls) + len(p.WaitCalls) + len(p.DestroyCalls)
}
