// Package cloud provisions ephemeral build hosts. One host is created per
// build job, used for every stage of that job, and destroyed at teardown.
package cloud

import (
	"context"
)

// Host is a provisioned compute instance.
type Host struct {
	ID      string
	Address string
}

// CreateOptions describes the instance a backend wants. The AMI and
// instance type come from the backend's template data, branched on
// architecture and image kind.
type CreateOptions struct {
	AMI           string
	InstanceType  string
	KeyName       string
	SecurityGroup string
	// Name tags the instance so leaked hosts are attributable to a job.
	Name string
}

// Provisioner creates and destroys build hosts. Destroy must be
// idempotent-safe: destroying an already-absent host is treated as
// already complete, not an error.
type Provisioner interface {
	Create(context.Context, CreateOptions) (*Host, error)
	// WaitReady blocks until the host accepts connections, bounded by
	// the provider's own status-check timeout.
	WaitReady(context.Context, string) error
	// Address resolves the public address of a created host.
	Address(context.Context, string) (string, error)
	Destroy(context.Context, string) error
}
