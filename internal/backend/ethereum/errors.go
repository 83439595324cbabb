package ethereum

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/rpc"

	"chaintodo/internal/ledger"
)

// wrapError maps read and transport errors onto ledger sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var httpErr rpc.HTTPError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: request timed out", ledger.ErrConnection)
	case errors.Is(err, bind.ErrNoCode):
		return fmt.Errorf("%w: no contract deployed at the configured address", ledger.ErrStoreUnavailable)
	case errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden):
		return fmt.Errorf("%w: rpc endpoint rejected credentials (%s), check [ethereum.auth]", ledger.ErrConnection, httpErr.Status)
	}
	return fmt.Errorf("%w: %w", ledger.ErrConnection, err)
}

// wrapSubmitError maps transaction dispatch errors.
func wrapSubmitError(err error) error {
	if err == nil {
		return nil
	}

	var httpErr rpc.HTTPError
	switch {
	case errors.Is(err, keystore.ErrLocked):
		return fmt.Errorf("%w: account is locked", ledger.ErrUserRejected)
	case errors.Is(err, bind.ErrNoCode):
		return fmt.Errorf("%w: no contract deployed at the configured address", ledger.ErrStoreUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: request timed out", ledger.ErrSubmission)
	case errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden):
		return fmt.Errorf("%w: rpc endpoint rejected credentials (%s), check [ethereum.auth]", ledger.ErrConnection, httpErr.Status)
	}
	return fmt.Errorf("%w: %w", ledger.ErrSubmission, err)
}
