// Package apperr defines the error kinds surfaced by the exchange core.
// Callers branch on kinds with errors.Is; messages carry the details.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                    = errors.New("not found")
	ErrInsufficientFunds           = errors.New("insufficient funds")
	ErrInsufficientShares          = errors.New("insufficient shares")
	ErrInvalidQuantity             = errors.New("invalid quantity")
	ErrInvalidPrice                = errors.New("invalid price")
	ErrInvalidArgument             = errors.New("invalid argument")
	ErrOutOfBand                   = errors.New("price outside trading band")
	ErrPrimaryOfferingSellDisabled = errors.New("selling disabled during the offering window")
	ErrAlreadyTerminal             = errors.New("order already terminal")
	ErrUnauthorized                = errors.New("unauthorized")
	ErrInvalidEngagement           = errors.New("invalid engagement")
	ErrDuplicate                   = errors.New("already exists")

	// ErrConflict means a concurrent operation changed a shared party balance
	// between staging and commit. Nothing was applied.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrSystem marks unexpected infrastructure failures (persistence, encoding).
	ErrSystem = errors.New("system error")
)

// Errorf wraps kind with a formatted message: "<kind>: <message>".
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// System wraps an unexpected failure so callers see ErrSystem while the cause stays inspectable.
func System(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrSystem, op, err)
}

// Kind returns the first known kind in err's chain, or ErrSystem when none matches.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrSystem
}

// ErrConflict and ErrSystem come first: both may wrap a more specific cause.
var kinds = []error{
	ErrConflict,
	ErrSystem,
	ErrNotFound,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrInvalidQuantity,
	ErrInvalidPrice,
	ErrInvalidArgument,
	ErrOutOfBand,
	ErrPrimaryOfferingSellDisabled,
	ErrAlreadyTerminal,
	ErrUnauthorized,
	ErrInvalidEngagement,
	ErrDuplicate,
}
