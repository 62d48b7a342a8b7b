package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// Exit is the decoded outcome of a supervised process.
type Exit struct {
	// Code is the exit code. Valid when Signaled is false.
	Code int

	// Signal is the terminating signal. Valid when Signaled is true.
	Signal syscall.Signal

	// Signaled reports whether the process was killed by a signal rather
	// than exiting on its own.
	Signaled bool
}

func (e Exit) String() string {
	if e.Signaled {
		return fmt.Sprintf("crashed (signal %s)", e.Signal)
	}
	return fmt.Sprintf("exited (code %d)", e.Code)
}

// decodeWait turns a wait status into an Exit. A process that Go could not
// decode (neither exited nor signaled) is reported as code -1.
func decodeWait(ws syscall.WaitStatus) Exit {
	switch {
	case ws.Exited():
		return Exit{Code: ws.ExitStatus()}
	case ws.Signaled():
		return Exit{Signal: ws.Signal(), Signaled: true}
	default:
		return Exit{Code: -1}
	}
}

// decodeWaitError decodes the error returned by exec.Cmd.Wait. A nil error
// is a clean zero exit.
func decodeWaitError(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return decodeWait(ws)
		}
	}
	return Exit{Code: -1}
}
