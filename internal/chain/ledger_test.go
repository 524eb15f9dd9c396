package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/contract"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

const ledgerTestABI = `[
  {"type":"function","name":"payments","stateMutability":"view",
   "inputs":[{"name":"paymentId","type":"string"}],
   "outputs":[
     {"name":"payer","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"date","type":"uint256"},
     {"name":"token","type":"address"},
     {"name":"completed","type":"bool"}]},
  {"type":"event","name":"PaymentSettled","anonymous":false,
   "inputs":[
     {"name":"payer","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"paymentId","type":"string","indexed":false},
     {"name":"token","type":"address","indexed":false},
     {"name":"date","type":"uint256","indexed":false}]}
]`

const contractAddr = "0x3333333333333333333333333333333333333333"

type staticSource struct{ data []byte }

func (s staticSource) ModTime() (time.Time, error) { return time.Unix(1000, 0), nil }
func (s staticSource) Read() ([]byte, error)       { return s.data, nil }

func newTestLoader(t *testing.T) *contract.Loader {
	t.Helper()
	raw := []byte(fmt.Sprintf(
		`{"abi": %s, "networks": {"1337": {"address": "%s"}}}`,
		ledgerTestABI, contractAddr,
	))
	l := contract.NewLoader(staticSource{data: raw}, "1337", zap.NewNop())
	if _, err := l.Current(); err != nil {
		t.Fatalf("loader: %v", err)
	}
	return l
}

func connectedLedger(t *testing.T, client *fakeCallClient) *Ledger {
	t.Helper()
	d := &fakeDialer{call: client, push: &fakePushClient{}}
	m := newTestManager(d)
	if err := m.ReconnectCall(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return NewLedger(m, newTestLoader(t))
}

// ── Receipt ───────────────────────────────────────────────────────────────────

func TestReceipt_TransportDown(t *testing.T) {
	d := &fakeDialer{call: &fakeCallClient{}, push: &fakePushClient{}}
	m := newTestManager(d)
	l := NewLedger(m, newTestLoader(t))

	_, err := l.Receipt(context.Background(), common.Hash{})
	if !errors.Is(err, ErrCallUnavailable) {
		t.Fatalf("expected ErrCallUnavailable, got %v", err)
	}
}

func TestReceipt_Found(t *testing.T) {
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	l := connectedLedger(t, &fakeCallClient{receipt: want})

	got, err := l.Receipt(context.Background(), common.HexToHash("0xabc"))
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if got != want {
		t.Error("receipt not returned")
	}
}

// ── PaymentStatus ─────────────────────────────────────────────────────────────

func TestPaymentStatus_DecodesContractOutput(t *testing.T) {
	loader := newTestLoader(t)
	desc, err := loader.Current()
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}

	payer := common.HexToAddress("0x4444444444444444444444444444444444444444")
	token := common.HexToAddress("0x5555555555555555555555555555555555555555")
	out, err := desc.ABI.Methods[contract.StatusMethod].Outputs.Pack(
		payer, big.NewInt(250), big.NewInt(1_700_000_000), token, true,
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}

	l := connectedLedger(t, &fakeCallClient{callOut: out})
	status, err := l.PaymentStatus(context.Background(), "pay_001")
	if err != nil {
		t.Fatalf("PaymentStatus: %v", err)
	}

	if status.Payer != payer {
		t.Errorf("payer: got %s", status.Payer.Hex())
	}
	if status.Amount.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("amount: got %s", status.Amount)
	}
	if status.Token != token {
		t.Errorf("token: got %s", status.Token.Hex())
	}
	if !status.Completed {
		t.Error("completed flag lost")
	}
}

func TestPaymentStatus_CallError(t *testing.T) {
	l := connectedLedger(t, &fakeCallClient{callErr: errors.New("execution reverted")})

	if _, err := l.PaymentStatus(context.Background(), "pay_001"); err == nil {
		t.Fatal("expected error")
	}
}

// ── ContractAddress ───────────────────────────────────────────────────────────

func TestContractAddress(t *testing.T) {
	l := connectedLedger(t, &fakeCallClient{})

	addr, err := l.ContractAddress()
	if err != nil {
		t.Fatalf("ContractAddress: %v", err)
	}
	if addr != common.HexToAddress(contractAddr) {
		t.Errorf("address: got %s want %s", addr.Hex(), contractAddr)
	}
}
