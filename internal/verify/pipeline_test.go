package verify

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/cache"
	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/order"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

var (
	contractAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	goodReceipt  = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	badReceipt   = &types.Receipt{Status: types.ReceiptStatusFailed}
	settled      = &chain.PaymentStatus{Completed: true}
	unsettled    = &chain.PaymentStatus{Completed: false}
)

type fakeLedger struct {
	receipt      *types.Receipt
	receiptErr   error
	recipient    common.Address
	recipientErr error
	status       *chain.PaymentStatus
	statusErr    error
}

func (f *fakeLedger) Receipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeLedger) Recipient(ctx context.Context, h common.Hash) (common.Address, error) {
	return f.recipient, f.recipientErr
}

func (f *fakeLedger) PaymentStatus(ctx context.Context, id string) (*chain.PaymentStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeLedger) ContractAddress() (common.Address, error) {
	return contractAddr, nil
}

// settledLedger is the happy-path ledger: receipt ok, contract settled,
// recipient correct.
func settledLedger() *fakeLedger {
	return &fakeLedger{receipt: goodReceipt, recipient: contractAddr, status: settled}
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) CallHealthy(ctx context.Context) bool { return f.healthy }

type fakeOrders struct {
	mu      sync.Mutex
	created []order.Order
}

func (f *fakeOrders) Create(ctx context.Context, o order.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, o)
	return "ord-" + strconv.Itoa(len(f.created)), nil
}

func (f *fakeOrders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// ── harness ───────────────────────────────────────────────────────────────────

type fixture struct {
	pipeline *Pipeline
	orders   *fakeOrders
	cache    *cache.Cache
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T, ledger Ledger, healthy bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	orders := &fakeOrders{}
	p := NewPipeline(c, ledger, fakeHealth{healthy: healthy}, orders, zap.NewNop())
	return &fixture{pipeline: p, orders: orders, cache: c, redis: mr}
}

const (
	testHash   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testWallet = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
)

func validRequest() Request {
	return Request{
		PaymentID:       "pay_001",
		WalletAddress:   testWallet,
		TransactionHash: testHash,
		Amount:          "99.50",
		Products: []order.Item{
			{ProductRef: "sku-1", Quantity: 2, Price: "24.75"},
			{ProductRef: "sku-2", Quantity: 1, Price: "50.00"},
		},
	}
}

// hashN builds a distinct valid transaction hash per index.
func hashN(n int) string {
	suffix := strconv.Itoa(n)
	return testHash[:len(testHash)-len(suffix)] + suffix
}

// ── happy path ────────────────────────────────────────────────────────────────

func TestVerify_Success(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)

	res := fx.pipeline.Verify(context.Background(), validRequest())
	if res.Code != CodeSuccess {
		t.Fatalf("code: got %s (%s)", res.Code, res.Reason)
	}
	if res.OrderID != "ord-1" {
		t.Errorf("order id: got %q", res.OrderID)
	}
	if fx.orders.count() != 1 {
		t.Fatalf("order count: got %d want 1", fx.orders.count())
	}

	rec, err := fx.cache.GetProcessed(context.Background(), testHash)
	if err != nil {
		t.Fatalf("GetProcessed: %v", err)
	}
	if rec == nil || rec.OrderID != "ord-1" {
		t.Fatalf("processed record not committed: %+v", rec)
	}
}

func TestVerify_OrderFieldsCarried(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)

	fx.pipeline.Verify(context.Background(), validRequest())

	o := fx.orders.created[0]
	if o.PaymentID != "pay_001" || o.TxHash != testHash || o.WalletAddress != testWallet {
		t.Errorf("order fields: %+v", o)
	}
	if len(o.Items) != 2 || o.Items[0].ProductRef != "sku-1" {
		t.Errorf("order items: %+v", o.Items)
	}
}

// ── idempotency ───────────────────────────────────────────────────────────────

func TestVerify_ReplayReturnsSameOrder(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)
	ctx := context.Background()

	first := fx.pipeline.Verify(ctx, validRequest())
	if first.Code != CodeSuccess {
		t.Fatalf("first: %s", first.Code)
	}

	second := fx.pipeline.Verify(ctx, validRequest())
	if second.Code != CodeAlreadyProcessed {
		t.Fatalf("replay: got %s want %s", second.Code, CodeAlreadyProcessed)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("replay order id: got %q want %q", second.OrderID, first.OrderID)
	}
	if fx.orders.count() != 1 {
		t.Fatalf("order count after replay: got %d want 1", fx.orders.count())
	}
}

func TestVerify_ConcurrentSameHashCreatesOneOrder(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)
	ctx := context.Background()

	const workers = 8
	results := make(chan Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- fx.pipeline.Verify(ctx, validRequest())
		}()
	}
	wg.Wait()
	close(results)

	if fx.orders.count() != 1 {
		t.Fatalf("order count: got %d want exactly 1", fx.orders.count())
	}
	for res := range results {
		switch res.Code {
		case CodeSuccess, CodeAlreadyProcessed, CodeInFlight:
		default:
			t.Errorf("unexpected concurrent outcome %s (%s)", res.Code, res.Reason)
		}
	}
}

func TestVerify_StaleLockExpires(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)
	ctx := context.Background()

	if ok, _ := fx.cache.AcquireLock(ctx, testHash); !ok {
		t.Fatal("setup lock failed")
	}
	if res := fx.pipeline.Verify(ctx, validRequest()); res.Code != CodeInFlight {
		t.Fatalf("locked hash: got %s want %s", res.Code, CodeInFlight)
	}

	// A lock left by a crashed worker stops blocking once its TTL runs out.
	fx.redis.FastForward(cache.LockTTL + time.Second)

	if res := fx.pipeline.Verify(ctx, validRequest()); res.Code != CodeSuccess {
		t.Fatalf("after lock expiry: got %s (%s)", res.Code, res.Reason)
	}
}

// ── validation ────────────────────────────────────────────────────────────────

func TestVerify_RejectsMalformedRequests(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)

	mutations := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no products", func(r *Request) { r.Products = nil }},
		{"zero quantity", func(r *Request) { r.Products[0].Quantity = 0 }},
		{"missing paymentId", func(r *Request) { r.PaymentID = "" }},
		{"missing wallet", func(r *Request) { r.WalletAddress = "" }},
		{"bad wallet", func(r *Request) { r.WalletAddress = "0xnothex" }},
		{"bad checksum", func(r *Request) { r.WalletAddress = "0x742D35cc6634c0532925a3b844bc454e4438f44e" }},
		{"missing hash", func(r *Request) { r.TransactionHash = "" }},
		{"short hash", func(r *Request) { r.TransactionHash = "0xabc" }},
		{"unprefixed hash", func(r *Request) { r.TransactionHash = testHash[2:] + "aa" }},
		{"zero amount", func(r *Request) { r.Amount = "0" }},
		{"negative amount", func(r *Request) { r.Amount = "-5" }},
		{"non-numeric amount", func(r *Request) { r.Amount = "lots" }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			req := validRequest()
			m.mutate(&req)
			res := fx.pipeline.Verify(context.Background(), req)
			if res.Code != CodeInvalidRequest {
				t.Errorf("got %s want %s", res.Code, CodeInvalidRequest)
			}
		})
	}

	if fx.orders.count() != 0 {
		t.Errorf("invalid requests must never create orders, got %d", fx.orders.count())
	}
}

func TestVerify_AcceptsChecksummedWallet(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)

	req := validRequest()
	req.WalletAddress = common.HexToAddress(testWallet).Hex() // EIP-55 form
	if res := fx.pipeline.Verify(context.Background(), req); res.Code != CodeSuccess {
		t.Fatalf("checksummed wallet rejected: %s (%s)", res.Code, res.Reason)
	}
}

// ── rate limiting ─────────────────────────────────────────────────────────────

func TestVerify_WalletRateLimitBoundary(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)
	ctx := context.Background()

	// Ten requests within the window pass the throttle; request count,
	// not settlement outcome, is what the ceiling meters.
	for i := 1; i <= cache.WalletLimit; i++ {
		req := validRequest()
		req.TransactionHash = hashN(i)
		req.PaymentID = "pay_" + strconv.Itoa(i)
		if res := fx.pipeline.Verify(ctx, req); res.Code != CodeSuccess {
			t.Fatalf("request %d: got %s (%s)", i, res.Code, res.Reason)
		}
	}

	req := validRequest()
	req.TransactionHash = hashN(cache.WalletLimit + 1)
	res := fx.pipeline.Verify(ctx, req)
	if res.Code != CodeRateLimited {
		t.Fatalf("11th request: got %s want %s", res.Code, CodeRateLimited)
	}
	if !res.Retryable {
		t.Error("rate-limit result must be retryable")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > cache.WalletWindow {
		t.Errorf("retryAfter out of range: %v", res.RetryAfter)
	}
}

// ── ledger gates ──────────────────────────────────────────────────────────────

func TestVerify_LedgerUnhealthy(t *testing.T) {
	fx := newFixture(t, settledLedger(), false)

	res := fx.pipeline.Verify(context.Background(), validRequest())
	if res.Code != CodeServiceUnavailable {
		t.Fatalf("got %s want %s", res.Code, CodeServiceUnavailable)
	}
	if !res.Retryable {
		t.Error("unavailable result must be retryable")
	}
	if res.RetryAfter != 60*time.Second {
		t.Errorf("retryAfter: got %v want 60s", res.RetryAfter)
	}
	if fx.orders.count() != 0 {
		t.Error("no order may be created while the ledger is down")
	}
}

func TestVerify_ReceiptGates(t *testing.T) {
	cases := []struct {
		name   string
		ledger *fakeLedger
		want   Code
	}{
		{"receipt missing", &fakeLedger{receipt: nil, recipient: contractAddr, status: settled}, CodeTransactionFailed},
		{"receipt reverted", &fakeLedger{receipt: badReceipt, recipient: contractAddr, status: settled}, CodeTransactionFailed},
		{"not settled", &fakeLedger{receipt: goodReceipt, recipient: contractAddr, status: unsettled}, CodeNotSettled},
		{"status missing", &fakeLedger{receipt: goodReceipt, recipient: contractAddr, status: nil}, CodeNotSettled},
		{"wrong recipient", &fakeLedger{
			receipt:   goodReceipt,
			recipient: common.HexToAddress("0x9999999999999999999999999999999999999999"),
			status:    settled,
		}, CodeWrongRecipient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, tc.ledger, true)
			res := fx.pipeline.Verify(context.Background(), validRequest())
			if res.Code != tc.want {
				t.Fatalf("got %s want %s", res.Code, tc.want)
			}
			if fx.orders.count() != 0 {
				t.Error("rejected settlement must not create an order")
			}
			rec, _ := fx.cache.GetProcessed(context.Background(), testHash)
			if rec != nil {
				t.Error("rejected settlement must not commit a processed record")
			}
		})
	}
}

func TestVerify_TransportLossMidPipeline(t *testing.T) {
	fx := newFixture(t, &fakeLedger{receiptErr: chain.ErrCallUnavailable}, true)

	res := fx.pipeline.Verify(context.Background(), validRequest())
	if res.Code != CodeServiceUnavailable {
		t.Fatalf("got %s want %s", res.Code, CodeServiceUnavailable)
	}
}

// ── cache-outage policy ───────────────────────────────────────────────────────

func TestVerify_CacheOutageDegradesToLedgerOnly(t *testing.T) {
	fx := newFixture(t, settledLedger(), true)

	// Cache goes away entirely. Dedup, throttling, and the lock all
	// fail open; the ledger checks still decide the outcome.
	fx.redis.Close()

	res := fx.pipeline.Verify(context.Background(), validRequest())
	if res.Code != CodeSuccess {
		t.Fatalf("got %s (%s), cache outage must not block verification", res.Code, res.Reason)
	}
	if fx.orders.count() != 1 {
		t.Fatalf("order count: got %d", fx.orders.count())
	}
}
