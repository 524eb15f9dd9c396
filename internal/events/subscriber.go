// Package events watches the settlement contract's PaymentSettled event
// over the push transport and pre-populates the cache with corroboration
// records. The pipeline never depends on these records existing; they
// are a fast path, not a source of truth.
package events

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/cache"
	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/contract"
)

const (
	maxRetries = 3
	logBuffer  = 64
)

// Subscriber owns the long-lived settlement-event subscription.
type Subscriber struct {
	mgr    *chain.Manager
	loader *contract.Loader
	cache  *cache.Cache
	log    *zap.Logger

	// Rebuild pacing: one short first delay, then a fixed step, capped
	// at maxRetries attempts.
	initialDelay time.Duration
	retryStep    time.Duration
}

func NewSubscriber(mgr *chain.Manager, loader *contract.Loader, c *cache.Cache, log *zap.Logger) *Subscriber {
	return &Subscriber{
		mgr:          mgr,
		loader:       loader,
		cache:        c,
		log:          log,
		initialDelay: 5 * time.Second,
		retryStep:    10 * time.Second,
	}
}

// Start runs the subscription until ctx is cancelled or the bounded
// retry sequence is exhausted. If the push transport is down or no
// contract descriptor has loaded, it logs and returns false without
// scheduling further work; the health monitor's reconnection cycle is
// what makes a later Start meaningful. Any other outcome returns true.
func (s *Subscriber) Start(ctx context.Context) bool {
	if _, ok := s.mgr.Push(); !ok {
		s.log.Warn("event subscriber not started: push transport unavailable")
		return false
	}
	if _, err := s.loader.Current(); err != nil {
		s.log.Warn("event subscriber not started: no contract descriptor", zap.Error(err))
		return false
	}

	// Decoding and cache writes happen on a dedicated worker so a slow
	// cache never backs up into the subscription delivery channel.
	logCh := make(chan types.Log, logBuffer)
	go s.consume(ctx, logCh)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return true
		}

		sub, err := s.subscribe(ctx, logCh)
		if err != nil {
			attempt++
			if attempt > maxRetries {
				s.log.Error("event subscription retries exhausted; event-driven confirmation unavailable",
					zap.Int("attempts", attempt-1),
				)
				return true
			}
			delay := s.retryStep
			if attempt == 1 {
				delay = s.initialDelay
			}
			s.log.Warn("event subscription failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return true
			case <-time.After(delay):
			}
			continue
		}

		s.log.Info("settlement event subscription established")

		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return true
		case err := <-sub.Err():
			sub.Unsubscribe()
			s.mgr.MarkPushFailed(err)
			attempt++
			if attempt > maxRetries {
				s.log.Error("event subscription retries exhausted; event-driven confirmation unavailable",
					zap.Error(err),
				)
				return true
			}
			s.log.Warn("event subscription dropped, rebuilding",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			// Re-probe before rebuilding: when only the subscription
			// died the transport flips straight back to healthy.
			s.mgr.PushHealthy(ctx)
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context, logCh chan<- types.Log) (ethereum.Subscription, error) {
	client, ok := s.mgr.Push()
	if !ok {
		return nil, chain.ErrPushUnavailable
	}
	desc, err := s.loader.Current()
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{desc.Address},
		Topics:    [][]common.Hash{{desc.ABI.Events[contract.SettledEvent].ID}},
	}
	sub, err := client.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", contract.SettledEvent, err)
	}
	return sub, nil
}

// consume drains the delivery channel, decoding each log and writing its
// corroboration record. Runs until ctx is cancelled.
func (s *Subscriber) consume(ctx context.Context, logCh <-chan types.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case lg := <-logCh:
			s.handleLog(ctx, lg)
		}
	}
}

func (s *Subscriber) handleLog(ctx context.Context, lg types.Log) {
	paymentID, ev, err := s.decode(lg)
	if err != nil {
		s.log.Error("settlement event decode failed",
			zap.String("tx", lg.TxHash.Hex()),
			zap.Error(err),
		)
		return
	}

	if err := s.cache.PutSettlementEvent(ctx, paymentID, ev); err != nil {
		s.log.Error("settlement event record write failed",
			zap.String("payment", paymentID),
			zap.Error(err),
		)
		return
	}

	s.log.Info("settlement event recorded",
		zap.String("payment", paymentID),
		zap.String("payer", ev.Payer),
		zap.String("tx", ev.TransactionHash),
	)
}

// decode unpacks a PaymentSettled log:
//
//	event PaymentSettled(address indexed payer, uint256 amount,
//	                     string paymentId, address token, uint256 date)
func (s *Subscriber) decode(lg types.Log) (string, cache.SettlementEvent, error) {
	desc, err := s.loader.Current()
	if err != nil {
		return "", cache.SettlementEvent{}, err
	}

	if len(lg.Topics) < 2 {
		return "", cache.SettlementEvent{}, fmt.Errorf("log has %d topics, want 2", len(lg.Topics))
	}
	payer := common.BytesToAddress(lg.Topics[1].Bytes())

	vals, err := desc.ABI.Unpack(contract.SettledEvent, lg.Data)
	if err != nil {
		return "", cache.SettlementEvent{}, fmt.Errorf("unpack %s: %w", contract.SettledEvent, err)
	}
	if len(vals) != 4 {
		return "", cache.SettlementEvent{}, fmt.Errorf("unexpected event arity %d", len(vals))
	}

	amount, ok := vals[0].(*big.Int)
	if !ok {
		return "", cache.SettlementEvent{}, fmt.Errorf("unexpected amount type %T", vals[0])
	}
	paymentID, ok := vals[1].(string)
	if !ok {
		return "", cache.SettlementEvent{}, fmt.Errorf("unexpected paymentId type %T", vals[1])
	}
	token, ok := vals[2].(common.Address)
	if !ok {
		return "", cache.SettlementEvent{}, fmt.Errorf("unexpected token type %T", vals[2])
	}
	date, ok := vals[3].(*big.Int)
	if !ok {
		return "", cache.SettlementEvent{}, fmt.Errorf("unexpected date type %T", vals[3])
	}

	return paymentID, cache.SettlementEvent{
		Payer:           payer.Hex(),
		Amount:          amount.String(),
		Date:            date.Int64(),
		TokenAddress:    token.Hex(),
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
	}, nil
}
