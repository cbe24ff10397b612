package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is live.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrNotConnected is returned by commands that need a live session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrStopped is returned by Start when Stop was called before the
	// session became active.
	ErrStopped = errors.New("session: stopped while connecting")
)

// Device operations reported in [DeviceError].
const (
	OpOpen  = "open"
	OpRead  = "read"
	OpWrite = "write"
)

// Device directions reported in [DeviceError].
const (
	DirInput  = "input"
	DirOutput = "output"
)

// DeviceError is a failure of the local audio device. Open failures are fatal
// to the owning pipeline; read and write failures are retried.
type DeviceError struct {
	Op  string
	Dir string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: %s device %s: %v", e.Dir, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// RemoteError is a failure of the remote conversational session. It ends the
// send or receive pipeline that observed it; there is no automatic reconnect.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// errorKind classifies err for metrics.
func errorKind(err error) string {
	var de *DeviceError
	var re *RemoteError
	switch {
	case errors.As(err, &de):
		return "device_" + de.Op
	case errors.As(err, &re):
		return "remote"
	default:
		return "other"
	}
}
