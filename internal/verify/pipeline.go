// Package verify implements the payment-verification pipeline: a fixed
// sequence of gates that turns a claimed on-chain settlement into at
// most one order per transaction hash.
package verify

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/cache"
	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/order"
)

// Request is one inbound verification claim. Never persisted.
type Request struct {
	PaymentID       string
	WalletAddress   string
	TransactionHash string
	Amount          string
	Products        []order.Item
}

// Ledger is the call-side query surface the pipeline needs.
// Satisfied by *chain.Ledger; tests substitute a fake.
type Ledger interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Recipient(ctx context.Context, hash common.Hash) (common.Address, error)
	PaymentStatus(ctx context.Context, paymentID string) (*chain.PaymentStatus, error)
	ContractAddress() (common.Address, error)
}

// HealthProber gates the pipeline on call-transport availability.
// Satisfied by *chain.Manager.
type HealthProber interface {
	CallHealthy(ctx context.Context) bool
}

// OrderStore is the external order persistence collaborator.
type OrderStore interface {
	Create(ctx context.Context, o order.Order) (string, error)
}

// Pipeline orchestrates one verification per request. Instances are
// safe for concurrent use; all cross-request coordination goes through
// the cache.
type Pipeline struct {
	cache  *cache.Cache
	ledger Ledger
	health HealthProber
	orders OrderStore
	log    *zap.Logger
}

func NewPipeline(c *cache.Cache, ledger Ledger, health HealthProber, orders OrderStore, log *zap.Logger) *Pipeline {
	return &Pipeline{cache: c, ledger: ledger, health: health, orders: orders, log: log}
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Verify runs the gates in order. Each gate short-circuits with its own
// outcome; side effects are strictly ordered so no order is created
// before the ledger checks pass and no duplicate order can follow the
// processed-record commit.
func (p *Pipeline) Verify(ctx context.Context, req Request) Result {
	// 1. Structural validation.
	if reason, ok := validate(req); !ok {
		return invalid(reason)
	}

	// 2. Duplicate / in-flight. A cache outage degrades to proceeding
	// without dedup rather than refusing all traffic; the policy trades
	// strict idempotency for availability during the outage.
	processed, err := p.cache.GetProcessed(ctx, req.TransactionHash)
	if err != nil {
		p.log.Warn("cache unreachable, proceeding without dedup", zap.Error(err))
	}
	if processed != nil {
		return alreadyProcessed(processed.OrderID)
	}
	if held, err := p.cache.LockHeld(ctx, req.TransactionHash); err == nil && held {
		return inFlight(cache.LockTTL)
	}

	// 3. Per-wallet throttle.
	count, remaining, err := p.cache.CountWalletRequest(ctx, strings.ToLower(req.WalletAddress))
	if err != nil {
		p.log.Warn("cache unreachable, proceeding without rate limit", zap.Error(err))
	} else if count > cache.WalletLimit && remaining > 0 {
		return rateLimited(remaining)
	}

	// 4. Lock acquisition. The SET NX closes the race between step 2's
	// check and concurrent requests for the same hash. Release is by
	// TTL only, which tolerates a crash anywhere below.
	if acquired, err := p.cache.AcquireLock(ctx, req.TransactionHash); err != nil {
		p.log.Warn("cache unreachable, proceeding without in-flight lock", zap.Error(err))
	} else if !acquired {
		return inFlight(cache.LockTTL)
	}

	// 5. Ledger health gate. The probe also feeds the reconnection
	// signal, so a dead node is noticed here, not just by the monitor.
	if !p.health.CallHealthy(ctx) {
		return unavailable()
	}

	// 6. Receipt verification.
	receipt, err := p.ledger.Receipt(ctx, common.HexToHash(req.TransactionHash))
	if err != nil {
		return p.ledgerFailure("receipt fetch", req, err)
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return rejected(CodeTransactionFailed, "transaction not found or failed on chain")
	}

	// Corroboration fast path: an event record is logged when present
	// but its absence proves nothing, only steps 6-8 are authoritative.
	if ev, err := p.cache.GetSettlementEvent(ctx, req.PaymentID); err == nil && ev != nil {
		p.log.Info("settlement event corroborates payment",
			zap.String("payment", req.PaymentID),
			zap.String("eventTx", ev.TransactionHash),
		)
	}

	// 7. Contract status verification.
	status, err := p.ledger.PaymentStatus(ctx, req.PaymentID)
	if err != nil {
		return p.ledgerFailure("contract status query", req, err)
	}
	if status == nil || !status.Completed {
		return rejected(CodeNotSettled, "payment not recorded as settled on contract")
	}

	// 8. Destination verification.
	recipient, err := p.ledger.Recipient(ctx, common.HexToHash(req.TransactionHash))
	if err != nil {
		return p.ledgerFailure("recipient fetch", req, err)
	}
	contractAddr, err := p.ledger.ContractAddress()
	if err != nil {
		return p.ledgerFailure("contract address", req, err)
	}
	if recipient != contractAddr {
		return rejected(CodeWrongRecipient, "transaction recipient is not the settlement contract")
	}

	// 9. Order creation.
	orderID, err := p.orders.Create(ctx, order.Order{
		WalletAddress: req.WalletAddress,
		PaymentID:     req.PaymentID,
		TxHash:        req.TransactionHash,
		Amount:        req.Amount,
		Items:         req.Products,
	})
	if err != nil {
		p.log.Error("order creation failed",
			zap.String("payment", req.PaymentID),
			zap.String("tx", req.TransactionHash),
			zap.Error(err),
		)
		return internalError("order creation failed")
	}

	// 10. Commit. After this write no second order can ever be created
	// for the hash. A failed commit is logged loudly: the order exists,
	// only the dedup ledger is weakened until the lock TTL runs out.
	if err := p.cache.MarkProcessed(ctx, req.TransactionHash, orderID); err != nil {
		p.log.Error("processed-record commit failed",
			zap.String("tx", req.TransactionHash),
			zap.String("order", orderID),
			zap.Error(err),
		)
	}

	p.log.Info("payment verified",
		zap.String("payment", req.PaymentID),
		zap.String("tx", req.TransactionHash),
		zap.String("order", orderID),
	)
	return success(orderID, req.Amount)
}

// ledgerFailure maps a call-side error to its outcome: transport down is
// retryable 503 territory, anything else is an unexpected failure.
func (p *Pipeline) ledgerFailure(op string, req Request, err error) Result {
	if errors.Is(err, chain.ErrCallUnavailable) {
		return unavailable()
	}
	p.log.Error("ledger query failed",
		zap.String("op", op),
		zap.String("payment", req.PaymentID),
		zap.String("tx", req.TransactionHash),
		zap.Error(err),
	)
	return internalError("payment verification failed")
}

func validate(req Request) (string, bool) {
	if len(req.Products) == 0 {
		return "no products in request", false
	}
	for _, it := range req.Products {
		if it.ProductRef == "" || it.Quantity <= 0 {
			return "invalid product entry", false
		}
	}
	if req.PaymentID == "" {
		return "missing paymentId", false
	}
	if req.WalletAddress == "" {
		return "missing walletAddress", false
	}
	if req.TransactionHash == "" {
		return "missing transactionHash", false
	}
	if !txHashPattern.MatchString(req.TransactionHash) {
		return "malformed transactionHash", false
	}
	if !validWallet(req.WalletAddress) {
		return "invalid walletAddress", false
	}
	amount, ok := new(big.Rat).SetString(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return "amount must be a positive number", false
	}
	return "", true
}

// validWallet accepts all-lowercase and all-uppercase hex addresses, and
// enforces the EIP-55 checksum on mixed-case ones.
func validWallet(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	hexPart := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true
	}
	return common.HexToAddress(addr).Hex() == "0x"+hexPart
}
