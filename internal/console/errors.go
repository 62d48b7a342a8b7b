package console

import (
	"context"
	"errors"

	"github.com/containerd/errdefs"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/lifecycle"
	"github.com/sealbox/sealbox/internal/mount"
	"github.com/sealbox/sealbox/internal/repository"
)

// wireError maps a runtime error onto its typed wire code.
func wireError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: errorCode(err), Message: err.Error()}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, mount.ErrIntegrityMismatch):
		return CodeIntegrityMismatch
	case errors.Is(err, mount.ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, mount.ErrMountFailure):
		return CodeMountFailure
	case errors.Is(err, cgroup.ErrCgroupFailure):
		return CodeCgroupFailure
	case errors.Is(err, lifecycle.ErrProcessSpawn):
		return CodeProcessSpawn
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, lifecycle.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, lifecycle.ErrStartAborted):
		return CodeStartAborted
	case errors.Is(err, lifecycle.ErrShuttingDown):
		return CodeShuttingDown
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errdefs.IsNotFound(err):
		return CodeNotFound
	case errdefs.IsAlreadyExists(err):
		return CodeAlreadyExists
	default:
		return CodeInternal
	}
}
