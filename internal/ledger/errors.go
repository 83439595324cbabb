package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies ledger failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectivity
	KindAuthorization
	KindValidation
	KindNotFound
	KindSubmission
	KindConfirmation
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindSubmission:
		return "submission"
	case KindConfirmation:
		return "confirmation"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Sentinel errors. Backends wrap them with %w so KindOf can classify.
var (
	ErrNoWallet         = errors.New("no wallet available")
	ErrConnection       = errors.New("connection failed")
	ErrStoreUnavailable = errors.New("task store unavailable")
	ErrUserRejected     = errors.New("request rejected by user")
	ErrValidation       = errors.New("invalid input")
	ErrNotFound         = errors.New("task not found")
	ErrSubmission       = errors.New("submission failed")
	ErrConfirmation     = errors.New("confirmation failed")

	// ErrStale marks a reload result superseded by a newer one. It never
	// reaches the user.
	ErrStale = errors.New("stale result")
)

var kindSentinels = []struct {
	err  error
	kind Kind
}{
	{ErrStale, KindStale},
	{ErrNoWallet, KindConnectivity},
	{ErrConnection, KindConnectivity},
	{ErrStoreUnavailable, KindConnectivity},
	{ErrUserRejected, KindAuthorization},
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrSubmission, KindSubmission},
	{ErrConfirmation, KindConfirmation},
}

// OpError records the synchronizer operation that failed.
type OpError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WrapOp attaches op and the classified kind to err. An existing OpError
// keeps its original operation.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Kind: KindOf(err), Err: err}
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Kind != KindUnknown {
		return opErr.Kind
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Message derives the user-facing text for a failed operation.
// Format: "failed to <action>: <cause>".
func Message(action string, err error) string {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		err = opErr.Err
	}
	return fmt.Sprintf("failed to %s: %v", action, err)
}

// ValidateContent rejects empty or whitespace-only task content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: task content is empty", ErrValidation)
	}
	return nil
}

// ValidateID rejects ids outside the 1-based id space.
func ValidateID(id uint64) error {
	if id < 1 {
		return fmt.Errorf("%w: task id must be positive", ErrValidation)
	}
	return nil
}
