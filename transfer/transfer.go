package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/remote"
	"github.com/evergreen-ci/pail"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	defaultDownloadAttempts = 5
	defaultDownloadDelay    = time.Minute
)

// DefaultRetryOptions is the production download retry policy: five
// sequential attempts a minute apart.
func DefaultRetryOptions() utility.RetryOptions {
	return utility.RetryOptions{
		MaxAttempts: defaultDownloadAttempts,
		MinDelay:    defaultDownloadDelay,
		MaxDelay:    defaultDownloadDelay,
	}
}

// DownloadWithRetry fetches one object from the job namespace into localDir,
// retrying per opts. When every attempt has failed it falls back exactly
// once to a bulk sync of the entire namespace; if the fallback also fails
// the job is over and a TransferError is returned.
func DownloadWithRetry(ctx context.Context, bucket pail.Bucket, namespace, name, localDir string, opts utility.RetryOptions) error {
	key := fmt.Sprintf("%s/%s", namespace, name)
	dest := filepath.Join(localDir, name)

	err := utility.Retry(ctx, func() (bool, error) {
		if err := bucket.Download(ctx, key, dest); err != nil {
			grip.Error(message.WrapError(err, message.Fields{
				"message":   "artifact download failed",
				"key":       key,
				"operation": "download",
			}))
			return true, err
		}
		return false, nil
	}, opts)
	if err == nil {
		return nil
	}

	grip.Warning(message.Fields{
		"message":   "download attempts exhausted, falling back to namespace sync",
		"key":       key,
		"namespace": namespace,
	})
	if pullErr := bucket.Pull(ctx, pail.SyncOptions{
		Local:  localDir,
		Remote: namespace,
	}); pullErr != nil {
		return &alcib.TransferError{Key: key, Cause: pullErr}
	}
	return nil
}

// UploadWithChecksum uploads each file from sourceDir on the build host into
// the job namespace, attaching a remotely computed sha256 as object
// metadata. A file whose checksum cannot be computed (typically because the
// build variant never produced it) is skipped; sibling uploads still run.
func UploadWithChecksum(ctx context.Context, runner remote.Runner, bucket, namespace, sourceDir string, files []string) error {
	for _, file := range files {
		sum := remote.Command{
			Tool: "bash",
			Args: []string{"-c", fmt.Sprintf(`"sha256sum %s/%s"`, sourceDir, file)},
		}
		out, err := runner.Run(ctx, sum.String())
		if err != nil {
			if alcib.IsExecuteError(err) {
				grip.Warning(message.WrapError(err, message.Fields{
					"message": "skipping file with no checksum",
					"file":    file,
					"dir":     sourceDir,
				}))
				continue
			}
			return errors.Wrapf(err, "computing checksum of '%s'", file)
		}
		checksum := strings.Fields(out)
		if len(checksum) == 0 {
			grip.Warning(message.Fields{
				"message": "skipping file with empty checksum output",
				"file":    file,
			})
			continue
		}

		cp := remote.Command{
			Tool: "bash",
			Args: []string{"-c", fmt.Sprintf(`"aws s3 cp %s/%s s3://%s/%s/ --metadata sha256=%s"`,
				sourceDir, file, bucket, namespace, checksum[0])},
		}
		out, err = runner.Run(ctx, cp.String())
		if err != nil {
			return errors.Wrapf(err, "uploading '%s'", file)
		}
		grip.Info(message.Fields{
			"message": "uploaded artifact",
			"file":    file,
			"bucket":  bucket,
			"prefix":  namespace,
			"output":  out,
		})
	}
	return nil
}
