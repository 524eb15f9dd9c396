package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Status is the connectivity state of a single transport.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// State is a point-in-time copy of one transport's connection state.
type State struct {
	Status     Status
	RetryCount uint
	LastError  string
	LastProbe  time.Time
}

// CallClient is the request/response surface of the ledger node.
// *ethclient.Client satisfies it.
type CallClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// PushClient is the event-subscription surface of the ledger node.
// *ethclient.Client over a ws endpoint satisfies it.
type PushClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens transport connections. Decoupled here so tests can
// substitute fake clients for a real node.
type Dialer interface {
	DialCall(ctx context.Context, url string) (CallClient, error)
	DialPush(ctx context.Context, url string) (PushClient, error)
}

// EthDialer dials real go-ethereum clients.
type EthDialer struct{}

func (EthDialer) DialCall(ctx context.Context, url string) (CallClient, error) {
	return ethclient.DialContext(ctx, url)
}

func (EthDialer) DialPush(ctx context.Context, url string) (PushClient, error) {
	return ethclient.DialContext(ctx, url)
}

const (
	callRetryBudget   = 5
	pushRetryBudget   = 10
	defaultRetryDelay = 5 * time.Second
	probeTimeout      = 5 * time.Second
)

// Manager owns the two logical connections to the ledger node. Each
// transport runs its own state machine:
//
//	Disconnected → Connecting → Connected ⇄ Degraded
//
// with a bounded retry budget; exhausting the budget parks the transport
// in a terminal Disconnected that only a process restart leaves. Callers
// re-check health before every use rather than assuming availability.
type Manager struct {
	dialer  Dialer
	callURL string
	pushURL string
	log     *zap.Logger

	// retryDelay paces repeat connection attempts. Fixed, not
	// exponential: the bounded budgets keep the total wait short and
	// callers re-check health before every transport use.
	retryDelay time.Duration

	mu         sync.Mutex
	call       CallClient
	push       PushClient
	callState  State
	pushState  State
	callBroken bool // retry budget exhausted
	pushBroken bool
}

func NewManager(dialer Dialer, callURL, pushURL string, log *zap.Logger) *Manager {
	return &Manager{
		dialer:     dialer,
		callURL:    callURL,
		pushURL:    pushURL,
		log:        log,
		retryDelay: defaultRetryDelay,
	}
}

// Connect performs the initial dial of both transports. A failed dial
// leaves that transport Disconnected with its retry count advanced; the
// health monitor picks it up from there.
func (m *Manager) Connect(ctx context.Context) {
	if err := m.ReconnectCall(ctx); err != nil {
		m.log.Warn("call transport initial connect failed", zap.Error(err))
	}
	if err := m.ReconnectPush(ctx); err != nil {
		m.log.Warn("push transport initial connect failed", zap.Error(err))
	}
}

// Call returns the live call-side client, or false if the transport is
// not currently connected.
func (m *Manager) Call() (CallClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil || m.callState.Status != StatusConnected {
		return nil, false
	}
	return m.call, true
}

// Push returns the live push-side client, or false if the transport is
// not currently connected.
func (m *Manager) Push() (PushClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.push == nil || m.pushState.Status != StatusConnected {
		return nil, false
	}
	return m.push, true
}

// CallState returns a copy of the call transport's connection state.
func (m *Manager) CallState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callState
}

// PushState returns a copy of the push transport's connection state.
func (m *Manager) PushState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushState
}

// CallHealthy probes the call transport and updates its state as a side
// effect. The probe doubles as a reconnection signal: a failure drops
// the transport to Degraded so the monitor reconnects it.
func (m *Manager) CallHealthy(ctx context.Context) bool {
	m.mu.Lock()
	client := m.call
	m.mu.Unlock()

	healthy := client != nil && m.probe(ctx, client.ChainID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.callState.LastProbe = time.Now()
	if healthy {
		m.callState.Status = StatusConnected
		m.callState.LastError = ""
		return true
	}
	if m.callState.Status == StatusConnected {
		m.callState.Status = StatusDegraded
		m.callState.LastError = "health probe failed"
	}
	return false
}

// PushHealthy probes the push transport and updates its state as a side
// effect.
func (m *Manager) PushHealthy(ctx context.Context) bool {
	m.mu.Lock()
	client := m.push
	m.mu.Unlock()

	healthy := client != nil && m.probe(ctx, client.ChainID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushState.LastProbe = time.Now()
	if healthy {
		m.pushState.Status = StatusConnected
		m.pushState.LastError = ""
		return true
	}
	if m.pushState.Status == StatusConnected {
		m.pushState.Status = StatusDegraded
		m.pushState.LastError = "health probe failed"
	}
	return false
}

// probe runs a cheap liveness call (network id fetch) with a short timeout.
func (m *Manager) probe(ctx context.Context, chainID func(context.Context) (*big.Int, error)) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := chainID(probeCtx)
	return err == nil
}

// MarkPushFailed records a subscription-level error on the push transport
// so the next monitor cycle reconnects it.
func (m *Manager) MarkPushFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushState.Status == StatusConnected {
		m.pushState.Status = StatusDegraded
	}
	if err != nil {
		m.pushState.LastError = err.Error()
	}
}

// ReconnectCall attempts one reconnection of the call transport.
// Idempotent: a concurrent attempt in flight turns this into a no-op.
func (m *Manager) ReconnectCall(ctx context.Context) error {
	return m.reconnect(ctx, &m.callState, &m.callBroken, callRetryBudget, "call",
		func(ctx context.Context) (func(), error) {
			c, err := m.dialer.DialCall(ctx, m.callURL)
			if err != nil {
				return nil, err
			}
			return func() {
				if m.call != nil {
					m.call.Close()
				}
				m.call = c
			}, nil
		})
}

// ReconnectPush attempts one reconnection of the push transport.
func (m *Manager) ReconnectPush(ctx context.Context) error {
	return m.reconnect(ctx, &m.pushState, &m.pushBroken, pushRetryBudget, "push",
		func(ctx context.Context) (func(), error) {
			c, err := m.dialer.DialPush(ctx, m.pushURL)
			if err != nil {
				return nil, err
			}
			return func() {
				if m.push != nil {
					m.push.Close()
				}
				m.push = c
			}, nil
		})
}

var errRetryBudgetExhausted = &TransportError{Msg: "retry budget exhausted, restart required"}

// TransportError reports a transport-level failure.
type TransportError struct {
	Msg string
}

func (e *TransportError) Error() string { return "transport: " + e.Msg }

func (m *Manager) reconnect(
	ctx context.Context,
	st *State,
	broken *bool,
	budget uint,
	name string,
	dial func(context.Context) (func(), error),
) error {
	m.mu.Lock()
	if *broken {
		m.mu.Unlock()
		return errRetryBudgetExhausted
	}
	if st.Status == StatusConnecting {
		m.mu.Unlock()
		return nil // attempt already in flight
	}
	isRetry := st.RetryCount > 0
	st.Status = StatusConnecting
	m.mu.Unlock()

	if isRetry {
		select {
		case <-ctx.Done():
			m.setDisconnected(st, ctx.Err())
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}

	install, err := dial(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		st.RetryCount++
		st.Status = StatusDisconnected
		st.LastError = err.Error()
		if st.RetryCount >= budget {
			*broken = true
			m.log.Error("transport retry budget exhausted",
				zap.String("transport", name),
				zap.Uint("attempts", st.RetryCount),
			)
			return errRetryBudgetExhausted
		}
		m.log.Warn("transport connect failed",
			zap.String("transport", name),
			zap.Uint("attempt", st.RetryCount),
			zap.Error(err),
		)
		return err
	}

	install()
	st.Status = StatusConnected
	st.RetryCount = 0
	st.LastError = ""
	m.log.Info("transport connected", zap.String("transport", name))
	return nil
}

func (m *Manager) setDisconnected(st *State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Status = StatusDisconnected
	if err != nil {
		st.LastError = err.Error()
	}
}

// Close releases both underlying connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != nil {
		m.call.Close()
		m.call = nil
	}
	if m.push != nil {
		m.push.Close()
		m.push = nil
	}
	m.callState.Status = StatusDisconnected
	m.pushState.Status = StatusDisconnected
}
