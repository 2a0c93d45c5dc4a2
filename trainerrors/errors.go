// Package trainerrors contains the error taxonomy shared by the training engine.
//
// Fatal errors (ErrConfig, ErrReplicaFailure, ErrAlignment, ErrCheckpointIO) are
// typed so callers can recover the details with errors.As. ErrStreamClosed and
// ErrNotFound are sentinels signalling benign conditions: end of a stream and a
// fresh run without checkpoints.
package trainerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStreamClosed is returned by a dequeue on a stream that has been exhausted or
// shut down. Callers should stop requesting batches from the stream.
var ErrStreamClosed = errors.New("stream closed")

// ErrNotFound is returned when no checkpoint record exists in the storage location.
var ErrNotFound = errors.New("checkpoint not found")

// ErrConfig is returned when a run or stream configuration is invalid, or when a
// data source named by the configuration cannot be opened.
type ErrConfig struct {
	Field   string // Configuration key, e.g. "train.batch_size"
	Message string
	Cause   error
}

func (err *ErrConfig) Error() string {
	s := "config error"
	if err.Field != "" {
		s = fmt.Sprintf("config error in %s", err.Field)
	}
	if err.Message != "" {
		s += ": " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrConfig) Unwrap() error {
	return err.Cause
}

// ErrReplicaFailure is returned when a worker replica failed to compute its
// gradients for a step.
type ErrReplicaFailure struct {
	Replica int
	Step    int64
	Cause   error
}

func (err *ErrReplicaFailure) Error() string {
	return fmt.Sprintf("replica %d failed at step %d: %v", err.Replica, err.Step, err.Cause)
}

func (err *ErrReplicaFailure) Unwrap() error {
	return err.Cause
}

// ErrAlignment is returned when the gradient sets of one step disagree on
// parameter identity, order or size. It always indicates a programming defect.
type ErrAlignment struct {
	Position int
	Message  string
}

func (err *ErrAlignment) Error() string {
	if err.Position < 0 {
		return "gradient alignment error: " + err.Message
	}
	return fmt.Sprintf("gradient alignment error at position %d: %s", err.Position, err.Message)
}

// ErrCheckpointIO is returned when a checkpoint record could not be written or read.
type ErrCheckpointIO struct {
	Op    string // "save", "load" or "prune"
	Path  string
	Cause error
}

func (err *ErrCheckpointIO) Error() string {
	return fmt.Sprintf("checkpoint %s failed for %q: %v", err.Op, err.Path, err.Cause)
}

func (err *ErrCheckpointIO) Unwrap() error {
	return err.Cause
}

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitCode maps an error returned by the engine to a process exit code.
// A nil error or a benign sentinel maps to ExitOK.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrNotFound) {
		return ExitOK
	}
	return ExitFailure
}

// IsFatal reports whether err belongs to the fatal part of the taxonomy.
func IsFatal(err error) bool {
	var (
		cfg       *ErrConfig
		replica   *ErrReplicaFailure
		alignment *ErrAlignment
		io        *ErrCheckpointIO
	)
	return errors.As(err, &cfg) || errors.As(err, &replica) ||
		errors.As(err, &alignment) || errors.As(err, &io)
}
