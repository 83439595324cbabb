// Package exitcode defines exit codes for the CLI.
package exitcode

import (
	"context"
	"errors"

	"chaintodo/internal/config"
	"chaintodo/internal/ledger"
)

const (
	// Success indicates successful completion.
	Success = 0

	// UserError indicates a user error (bad args, invalid content, unknown
	// task) or an interrupted command.
	UserError = 1

	// AuthError indicates a wallet, connection or config error.
	AuthError = 2

	// BackendError indicates a submission or confirmation failure.
	BackendError = 3
)

// FromError maps err to an exit code by its ledger kind.
func FromError(err error) int {
	if err == nil {
		return Success
	}
	if errors.Is(err, config.ErrInvalid) {
		return AuthError
	}
	if errors.Is(err, context.Canceled) {
		return UserError
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation, ledger.KindNotFound:
		return UserError
	case ledger.KindConnectivity, ledger.KindAuthorization:
		return AuthError
	default:
		return BackendError
	}
}
