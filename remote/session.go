package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/almalinux/alcib"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	defaultPort           = "22"
	defaultConnectTimeout = 30 * time.Second
)

// Runner is the command/file-transfer channel to a single build host. The
// transfer and backend layers accept this interface so tests can substitute
// an in-memory host.
type Runner interface {
	// Run executes a command on the remote host and returns its combined
	// output. A non-zero exit returns an ExecuteError carrying the exit
	// status and stderr.
	Run(ctx context.Context, cmd string) (string, error)
	// Upload copies a local file to the remote host.
	Upload(localPath, remotePath string) error
	// Download copies a remote file to the local filesystem.
	Download(remotePath, localPath string) error
	// Put writes literal content to a remote path.
	Put(content io.Reader, remotePath string) error
	Close() error
}

// Session is an SSH channel to one host. It is created per stage invocation
// and must be released on every exit path; retries belong to the caller.
type Session struct {
	host   string
	user   string
	client *ssh.Client
	sftp   *sftp.Client
}

// Open dials an SSH connection to host as user, authenticating with the
// PEM-encoded private key at keyfile. Failure to connect is a
// ConnectionError; the caller decides whether to retry.
func Open(ctx context.Context, host, user, keyfile string) (*Session, error) {
	key, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ssh key '%s'", keyfile)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh key '%s'", keyfile)
	}

	info, err := ParseSSHInfo(host)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if info.User == "" {
		info.User = user
	}

	config := &ssh.ClientConfig{
		User:            info.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaultConnectTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultChan := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", info.Hostname+":"+info.Port, config)
		resultChan <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &alcib.ConnectionError{Host: host, Cause: ctx.Err()}
	case result := <-resultChan:
		if result.err != nil {
			return nil, &alcib.ConnectionError{Host: host, Cause: result.err}
		}
		return &Session{host: host, user: info.User, client: result.client}, nil
	}
}

// Run executes cmd on the remote host, blocking until it exits or ctx is
// canceled. Output is the combined stdout/stderr stream.
func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", errors.Wrapf(err, "creating ssh session to '%s'", s.host)
	}
	defer session.Close()

	output := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	session.Stdout = output
	session.Stderr = io.MultiWriter(output, stderr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		// kill the remote process before giving up on it
		_ = session.Signal(ssh.SIGKILL)
		return output.String(), errors.Wrapf(ctx.Err(), "running '%s' on '%s'", cmd, s.host)
	case err := <-errChan:
		if err != nil {
			exitErr := &ssh.ExitError{}
			if errors.As(err, &exitErr) {
				return output.String(), &alcib.ExecuteError{
					Command:    cmd,
					ExitStatus: exitErr.ExitStatus(),
					Stderr:     stderr.String(),
				}
			}
			return output.String(), errors.Wrapf(err, "running '%s' on '%s'", cmd, s.host)
		}
		return output.String(), nil
	}
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sftp channel to '%s'", s.host)
	}
	s.sftp = client
	return client, nil
}

// Upload copies the file at localPath to remotePath over SFTP.
func (s *Session) Upload(localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "opening '%s'", localPath)
	}
	defer local.Close()

	return errors.Wrapf(s.Put(local, remotePath), "uploading '%s'", localPath)
}

// Put writes content to remotePath over SFTP.
func (s *Session) Put(content io.Reader, remotePath string) error {
	client, err := s.sftpClient()
	if err != nil {
		return errors.WithStack(err)
	}
	remote, err := client.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "creating remote file '%s'", remotePath)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, content); err != nil {
		return errors.Wrapf(err, "writing remote file '%s'", remotePath)
	}
	return nil
}

// Download copies the remote file at remotePath to localPath over SFTP.
func (s *Session) Download(remotePath, localPath string) error {
	client, err := s.sftpClient()
	if err != nil {
		return errors.WithStack(err)
	}
	remote, err := client.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "opening remote file '%s'", remotePath)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating '%s'", localPath)
	}
	defer local.Close()

	if _, err := io.Copy(local, remote); err != nil {
		return errors.Wrapf(err, "downloading '%s'", remotePath)
	}
	return nil
}

// Close releases the channel. It is safe to call after a failed command;
// cleanup steps that need the host must run before Close.
func (s *Session) Close() error {
	catcher := grip.NewBasicCatcher()
	if s.sftp != nil {
		catcher.Add(s.sftp.Close())
		s.sftp = nil
	}
	if err := s.client.Close(); err != nil && err != io.EOF {
		catcher.Add(err)
	}
	return errors.Wrapf(catcher.Resolve(), "closing session to '%s'", s.host)
}
