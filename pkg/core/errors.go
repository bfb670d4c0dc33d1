package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies failures so that the orchestrator can decide between retry,
// unwind and termination.
type Kind uint8

const (
	// KindNetwork errors are transient and retried with backoff.
	KindNetwork Kind = iota + 1
	// KindValidation errors mean a peer served invalid data.
	KindValidation
	// KindStorage errors mean a durable write or read failed; fatal.
	KindStorage
	// KindSnapshotIntegrity errors reject a snapshot artifact; never fatal.
	KindSnapshotIntegrity
	// KindConfiguration errors are fatal at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindSnapshotIntegrity:
		return "snapshot integrity"
	case KindConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

func NetworkError(err error) error    { return NewError(KindNetwork, err) }
func ValidationError(err error) error { return NewError(KindValidation, err) }
func StorageError(err error) error    { return NewError(KindStorage, err) }

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
