// Package console serves the runtime's control protocol: length-prefixed
// CBOR request/response frames over tcp, unix or vsock endpoints, with
// asynchronous state-change events for subscribed connections.
package console

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/lifecycle"
)

// Commands.
const (
	CommandInstall   = "install"
	CommandUninstall = "uninstall"
	CommandStart     = "start"
	CommandStop      = "stop"
	CommandList      = "list"
	CommandStatus    = "status"
	CommandSubscribe = "subscribe"
)

// Typed error codes carried in responses.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyExists     = "already_exists"
	CodeSignatureInvalid  = "signature_invalid"
	CodeIntegrityMismatch = "integrity_mismatch"
	CodeResourceExhausted = "resource_exhausted"
	CodeMountFailure      = "mount_failure"
	CodeCgroupFailure     = "cgroup_failure"
	CodeProcessSpawn      = "process_spawn_failure"
	CodeAlreadyRunning    = "already_running"
	CodeNotRunning        = "not_running"
	CodeStartAborted      = "start_aborted"
	CodeTimeout           = "timeout"
	CodeShuttingDown      = "shutting_down"
	CodeProtocol          = "protocol_error"
	CodeInternal          = "internal"
)

// Request is one console command. Unused fields stay empty for commands
// that do not need them.
type Request struct {
	ID      uint64 `cbor:"id"`
	Command string `cbor:"command"`

	// Repository and Path address install requests.
	Repository string `cbor:"repository,omitempty"`
	Path       string `cbor:"path,omitempty"`

	// Name and Version address a package or container.
	Name    string `cbor:"name,omitempty"`
	Version string `cbor:"version,omitempty"`

	// TimeoutMS is the stop grace period in milliseconds.
	TimeoutMS int64 `cbor:"timeout_ms,omitempty"`
}

// Error is a typed command failure.
type Error struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response answers exactly one request, matched by ID.
type Response struct {
	ID    uint64 `cbor:"id"`
	Error *Error `cbor:"error,omitempty"`

	// Package is the installed package reference for install responses.
	Package string `cbor:"package,omitempty"`

	// Statuses is the list payload.
	Statuses []lifecycle.Status `cbor:"statuses,omitempty"`

	// Record is the status payload.
	Record *lifecycle.Record `cbor:"record,omitempty"`
}

// Message is the server-to-client envelope: either a response or, on
// subscribed connections, a pushed event.
type Message struct {
	Response *Response     `cbor:"response,omitempty"`
	Event    *events.Event `cbor:"event,omitempty"`
}

// maxFrameSize bounds a single frame. Anything larger is a protocol error
// and closes the connection.
const maxFrameSize = 1 << 20

// errFrameTooLarge distinguishes oversized frames from decode failures.
var errFrameTooLarge = errors.New("frame exceeds maximum size")

// encMode is the deterministic encoder shared by client and server.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// writeFrame sends one length-prefixed CBOR frame.
func writeFrame(w io.Writer, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return errFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame receives one length-prefixed CBOR frame into v.
func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return errFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
