package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/veloshop/chainpay/internal/contract"
)

const callTimeout = 5 * time.Second

// ErrCallUnavailable is returned when the call transport is not connected.
var ErrCallUnavailable = errors.New("chain: call transport unavailable")

// ErrPushUnavailable is returned when the push transport is not connected.
var ErrPushUnavailable = errors.New("chain: push transport unavailable")

// PaymentStatus is the settlement contract's recorded state for one
// payment id, as returned by the payments view.
type PaymentStatus struct {
	Payer     common.Address
	Amount    *big.Int
	Date      *big.Int
	Token     common.Address
	Completed bool
}

// Ledger issues the call-side queries the verification pipeline needs.
// Every operation carries a short timeout so a verification fails fast
// into a retryable state instead of hanging on a sick node.
type Ledger struct {
	mgr    *Manager
	loader *contract.Loader
}

func NewLedger(mgr *Manager, loader *contract.Loader) *Ledger {
	return &Ledger{mgr: mgr, loader: loader}
}

// Receipt fetches the transaction receipt for hash. A nil receipt with
// nil error means the transaction is unknown to the node.
func (l *Ledger) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, ok := l.mgr.Call()
	if !ok {
		return nil, ErrCallUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	r, err := client.TransactionReceipt(callCtx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}
	return r, nil
}

// Recipient returns the to-address of the transaction. Contract-creation
// transactions have no recipient and yield the zero address.
func (l *Ledger) Recipient(ctx context.Context, hash common.Hash) (common.Address, error) {
	client, ok := l.mgr.Call()
	if !ok {
		return common.Address{}, ErrCallUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	tx, _, err := client.TransactionByHash(callCtx, hash)
	if err != nil {
		return common.Address{}, fmt.Errorf("transaction by hash: %w", err)
	}
	if tx.To() == nil {
		return common.Address{}, nil
	}
	return *tx.To(), nil
}

// PaymentStatus queries the settlement contract's payments view for the
// given payment id using the current contract descriptor.
func (l *Ledger) PaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	client, ok := l.mgr.Call()
	if !ok {
		return nil, ErrCallUnavailable
	}
	desc, err := l.loader.Current()
	if err != nil {
		return nil, err
	}

	data, err := desc.ABI.Pack(contract.StatusMethod, paymentID)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", contract.StatusMethod, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	out, err := client.CallContract(callCtx, ethereum.CallMsg{
		To:   &desc.Address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", contract.StatusMethod, err)
	}

	vals, err := desc.ABI.Unpack(contract.StatusMethod, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", contract.StatusMethod, err)
	}
	if len(vals) != 5 {
		return nil, fmt.Errorf("unexpected %s output arity %d", contract.StatusMethod, len(vals))
	}

	status := &PaymentStatus{}
	var okCast bool
	if status.Payer, okCast = vals[0].(common.Address); !okCast {
		return nil, fmt.Errorf("unexpected payer type %T", vals[0])
	}
	if status.Amount, okCast = vals[1].(*big.Int); !okCast {
		return nil, fmt.Errorf("unexpected amount type %T", vals[1])
	}
	if status.Date, okCast = vals[2].(*big.Int); !okCast {
		return nil, fmt.Errorf("unexpected date type %T", vals[2])
	}
	if status.Token, okCast = vals[3].(common.Address); !okCast {
		return nil, fmt.Errorf("unexpected token type %T", vals[3])
	}
	if status.Completed, okCast = vals[4].(bool); !okCast {
		return nil, fmt.Errorf("unexpected completed type %T", vals[4])
	}
	return status, nil
}

// ContractAddress returns the current deployment address of the
// settlement contract.
func (l *Ledger) ContractAddress() (common.Address, error) {
	desc, err := l.loader.Current()
	if err != nil {
		return common.Address{}, err
	}
	return desc.Address, nil
}
