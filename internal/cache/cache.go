// Package cache is the coordination layer between verification workers:
// the dedup ledger, in-flight locks, wallet throttling, and the
// subscriber's settlement-event corroboration records all live here.
// Redis is the only shared mutable state across workers, so everything
// is expressed through atomic set/incr primitives with explicit TTLs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key formats. Exact strings matter: other deployments of the service
// share the same keyspace.
const (
	processedKeyFmt = "tx:%s"
	lockKeyFmt      = "tx-processing:%s"
	walletKeyFmt    = "wallet-requests:%s"
	paymentKeyFmt   = "payment:%s"
)

const (
	// ProcessedTTL bounds the dedup ledger. A hash resubmitted after
	// expiry is treated as fresh; accepted trade-off, the window is
	// far beyond any legitimate retry horizon.
	ProcessedTTL = 7 * 24 * time.Hour
	// LockTTL bounds lock leakage when a worker dies mid-verification.
	LockTTL = 5 * time.Minute
	// WalletWindow is the rolling throttle window per wallet.
	WalletWindow = 60 * time.Second
	// WalletLimit is the request ceiling per wallet per window.
	WalletLimit = 10
	// EventTTL bounds settlement-event corroboration records.
	EventTTL = 3 * 24 * time.Hour
)

// ProcessedPayment is the dedup-ledger entry for a settled transaction.
// Its presence is the single source of truth for "already turned into
// an order".
type ProcessedPayment struct {
	OrderID   string `json:"orderId"`
	Timestamp int64  `json:"timestamp"`
}

// SettlementEvent is the corroboration record written by the event
// subscriber, keyed by payment id.
type SettlementEvent struct {
	Payer           string `json:"payer"`
	Amount          string `json:"amount"`
	Date            int64  `json:"date"`
	TokenAddress    string `json:"tokenAddress"`
	BlockNumber     uint64 `json:"blockNumber"`
	TransactionHash string `json:"transactionHash"`
}

// Cache wraps the redis client with the service's key namespace.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping reports whether the cache is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetProcessed returns the processed record for hash, or nil if the
// transaction has not been settled to an order.
func (c *Cache) GetProcessed(ctx context.Context, txHash string) (*ProcessedPayment, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(processedKeyFmt, txHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processed record: %w", err)
	}
	var p ProcessedPayment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode processed record: %w", err)
	}
	return &p, nil
}

// MarkProcessed commits the dedup-ledger entry for hash.
func (c *Cache) MarkProcessed(ctx context.Context, txHash, orderID string) error {
	raw, err := json.Marshal(ProcessedPayment{
		OrderID:   orderID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(processedKeyFmt, txHash), raw, ProcessedTTL).Err()
}

// LockHeld reports whether another verification of hash is in flight.
func (c *Cache) LockHeld(ctx context.Context, txHash string) (bool, error) {
	n, err := c.rdb.Exists(ctx, fmt.Sprintf(lockKeyFmt, txHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check in-flight lock: %w", err)
	}
	return n > 0, nil
}

// AcquireLock takes the in-flight lock for hash. The SET NX is the
// linearization point for concurrent verifications of one hash; false
// means another worker won the race. The lock is never released
// explicitly, its TTL covers crash recovery.
func (c *Cache) AcquireLock(ctx context.Context, txHash string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf(lockKeyFmt, txHash), 1, LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire in-flight lock: %w", err)
	}
	return ok, nil
}

// CountWalletRequest increments the wallet's sliding counter and returns
// the post-increment count plus the time remaining in the window.
func (c *Cache) CountWalletRequest(ctx context.Context, wallet string) (int64, time.Duration, error) {
	key := fmt.Sprintf(walletKeyFmt, wallet)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("incr wallet counter: %w", err)
	}
	if n == 1 {
		// First request of the window starts the clock.
		if err := c.rdb.Expire(ctx, key, WalletWindow).Err(); err != nil {
			return 0, 0, fmt.Errorf("expire wallet counter: %w", err)
		}
		return n, WalletWindow, nil
	}
	remaining, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("wallet counter ttl: %w", err)
	}
	if remaining < 0 {
		// Counter survived without a TTL (interrupted first write);
		// restart the window rather than throttling forever.
		_ = c.rdb.Expire(ctx, key, WalletWindow).Err()
		remaining = WalletWindow
	}
	return n, remaining, nil
}

// PutSettlementEvent stores the subscriber's corroboration record,
// overwriting any prior record for the same payment id.
func (c *Cache) PutSettlementEvent(ctx context.Context, paymentID string, ev SettlementEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(paymentKeyFmt, paymentID), raw, EventTTL).Err()
}

// GetSettlementEvent returns the corroboration record for paymentID, or
// nil if none has arrived. Absence proves nothing; only the call-side
// checks are authoritative.
func (c *Cache) GetSettlementEvent(ctx context.Context, paymentID string) (*SettlementEvent, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(paymentKeyFmt, paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement event: %w", err)
	}
	var ev SettlementEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode settlement event: %w", err)
	}
	return &ev, nil
}
