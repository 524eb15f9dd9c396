package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	orderKeyPrefix = "order:"
	orderSeqKey    = "order:seq"
)

// Item is one purchased line of an order.
type Item struct {
	ProductRef string `json:"productRef"`
	Quantity   int64  `json:"quantity"`
	Price      string `json:"price"`
}

// Order is the record persisted when a payment verifies.
type Order struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress"`
	PaymentID     string `json:"paymentId"`
	TxHash        string `json:"txHash"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod"`
	Items         []Item `json:"items"`
	CreatedAt     int64  `json:"createdAt"`
}

// RedisStore persists orders as JSON under order:<id>.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Create assigns the order an id and persists it. The caller fills every
// field except ID, Status, PaymentMethod, and CreatedAt.
func (s *RedisStore) Create(ctx context.Context, o Order) (string, error) {
	seq, err := s.rdb.Incr(ctx, orderSeqKey).Result()
	if err != nil {
		return "", fmt.Errorf("next order id: %w", err)
	}
	o.ID = "ord-" + strconv.FormatInt(seq, 10)
	o.Status = "completed"
	o.PaymentMethod = "crypto"
	o.CreatedAt = time.Now().Unix()

	raw, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	if err := s.rdb.Set(ctx, orderKeyPrefix+o.ID, raw, 0).Err(); err != nil {
		return "", fmt.Errorf("persist order: %w", err)
	}
	return o.ID, nil
}

// Get returns a stored order, or nil if the id is unknown.
func (s *RedisStore) Get(ctx context.Context, id string) (*Order, error) {
	raw, err := s.rdb.Get(ctx, orderKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	var o Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}
