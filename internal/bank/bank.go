// Package bank is the token transfer service the ledger moves funds through.
// The ledger treats it as opaque: every call may fail and every failure
// aborts the ledger operation that issued it.
package bank

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

var (
	// ErrInsufficientFunds is returned when the source balance or allowance
	// cannot cover a transfer into custody
	ErrInsufficientFunds = errors.New("insufficient funds or allowance")

	// ErrFault is returned when the service failed to execute a transfer out
	ErrFault = errors.New("transfer fault")
)

// Bank moves tokens between accounts and the ledger's custody account.
type Bank interface {
	// TransferIn moves amount from the given account into custody
	TransferIn(ctx context.Context, from types.Address, amount *uint256.Int) error

	// TransferOut moves amount from custody to the given account
	TransferOut(ctx context.Context, to types.Address, amount *uint256.Int) error

	// BalanceOf returns the token balance held by an account
	BalanceOf(ctx context.Context, account types.Address) (*uint256.Int, error)

	// Custody is the account holding everything the ledger owes
	Custody() types.Address
}
