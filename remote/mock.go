package remote

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MockResponse scripts the result of one Run call on a MockRunner.
type MockResponse struct {
	Output string
	Err    error
}

// MockRunner is an in-memory Runner that records every call, for tests of
// the layers above the session.
type MockRunner struct {
	mu sync.Mutex

	// Responses maps a command substring to a scripted response; the
	// first match wins. Commands with no match succeed with empty
	// output.
	Responses map[string]MockResponse

	Commands   []string
	Uploads    map[string]string
	Downloads  map[string]string
	PutContent map[string]string
	Closed     bool
}

// NewMockRunner returns an empty scripted runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		Responses:  map[string]MockResponse{},
		Uploads:    map[string]string{},
		Downloads:  map[string]string{},
		PutContent: map[string]string{},
	}
}

func (r *MockRunner) Run(_ context.Context, cmd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Commands = append(r.Commands, cmd)
	for substr, resp := range r.Responses {
		if bytes.Contains([]byte(cmd), []byte(substr)) {
			return resp.Output, resp.Err
		}
	}
	return "", nil
}

func (r *MockRunner) Upload(localPath, remotePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Uploads[localPath] = remotePath
	return nil
}

func (r *MockRunner) Download(remotePath, localPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Downloads[remotePath] = localPath
	return nil
}

func (r *MockRunner) Put(content io.Reader, remotePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	r.PutContent[remotePath] = string(data)
	return nil
}

func (r *MockRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Closed = true
	return nil
}
