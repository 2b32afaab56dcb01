package alcib

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError marks an unknown hypervisor/image/arch combination. It
// is always raised before any remote operation is attempted.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// NewConfigurationErrorf builds a ConfigurationError from a format string.
func NewConfigurationErrorf(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	target := &ConfigurationError{}
	return errors.As(err, &target)
}

// ConnectionError marks a failure to open a remote session. Callers may
// retry a bounded number of times before treating it as fatal.
type ConnectionError struct {
	Host  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to '%s': %v", e.Host, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// IsConnectionError reports whether err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	target := &ConnectionError{}
	return errors.As(err, &target)
}

// ExecuteError carries the exit status and stderr of a failed remote
// command. Policy is call-site specific: upload batches skip the failed
// item, build stages treat it as fatal after best-effort log upload.
type ExecuteError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("command '%s' exited with status %d: %s", e.Command, e.ExitStatus, e.Stderr)
}

// IsExecuteError reports whether err wraps an ExecuteError.
func IsExecuteError(err error) bool {
	target := &ExecuteError{}
	return errors.As(err, &target)
}

// TransferError marks an artifact transfer that exhausted its retries and
// the bulk-sync fallback. It ends the current job.
type TransferError struct {
	Key   string
	Cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transferring '%s': %v", e.Key, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }

// IsTransferError reports whether err wraps a TransferError.
func IsTransferError(err error) bool {
	target := &TransferError{}
	return errors.As(err, &target)
}

// ParseError marks a malformed package-diff line or changelog chunk. The
// offending record is skipped; analysis of the remaining input continues.
type ParseError struct {
	Input string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parsing '%s': %v", e.Input, e.Cause)
	}
	return fmt.Sprintf("parsing '%s'", e.Input)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// IsParseError reports whether err wraps a ParseError.
func IsParseError(err error) bool {
	target := &ParseError{}
	return errors.As(err, &target)
}
