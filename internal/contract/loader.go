package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Names the loader requires the artifact ABI to define. The settlement
// contract surface is fixed; anything else in the ABI is ignored.
const (
	StatusMethod = "payments"
	SettledEvent = "PaymentSettled"
)

// ErrNoDescriptor is returned by Current before any artifact has ever
// loaded successfully.
var ErrNoDescriptor = errors.New("contract: no descriptor loaded")

// Descriptor is an immutable snapshot of the deployed settlement contract.
// A redeploy produces a new Descriptor; existing ones are never mutated.
type Descriptor struct {
	ABI       abi.ABI
	Address   common.Address
	NetworkID string
	LoadedAt  time.Time
}

// Source abstracts the artifact file so tests can inject synthetic
// "artifact changed" events without touching the filesystem.
type Source interface {
	ModTime() (time.Time, error)
	Read() ([]byte, error)
}

// FileSource reads a Truffle-style build artifact from disk.
type FileSource struct {
	Path string
}

func (f FileSource) ModTime() (time.Time, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f FileSource) Read() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// artifact mirrors the build-artifact schema:
// {"abi": [...], "networks": {"<id>": {"address": "0x..."}}}.
type artifact struct {
	ABI      json.RawMessage `json:"abi"`
	Networks map[string]struct {
		Address string `json:"address"`
	} `json:"networks"`
}

// Loader polls the artifact for changes and swaps in a fresh Descriptor
// when the contract has been redeployed. Read failures keep the last-good
// descriptor so live bindings never break on a transient filesystem error.
type Loader struct {
	src       Source
	networkID string
	log       *zap.Logger

	current atomic.Pointer[Descriptor]

	mu      sync.Mutex // serializes reloads
	lastMod time.Time
}

func NewLoader(src Source, networkID string, log *zap.Logger) *Loader {
	return &Loader{src: src, networkID: networkID, log: log}
}

// Current returns the active descriptor, checking the artifact for changes
// first so contract-dependent calls never run against a stale deployment.
func (l *Loader) Current() (*Descriptor, error) {
	l.refresh()
	d := l.current.Load()
	if d == nil {
		return nil, ErrNoDescriptor
	}
	return d, nil
}

// Run polls the artifact on a fixed interval until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	l.refresh()
	l.log.Info("contract loader started", zap.String("network", l.networkID))

	for {
		select {
		case <-ctx.Done():
			l.log.Info("contract loader stopped")
			return
		case <-ticker.C:
			l.refresh()
		}
	}
}

// refresh reloads the descriptor if the artifact changed since the last
// successful load. Errors are logged, never propagated: the last-good
// descriptor stays live.
func (l *Loader) refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()

	mod, err := l.src.ModTime()
	if err != nil {
		l.log.Warn("contract artifact stat failed", zap.Error(err))
		return
	}
	if !mod.After(l.lastMod) {
		return
	}

	raw, err := l.src.Read()
	if err != nil {
		l.log.Warn("contract artifact read failed", zap.Error(err))
		return
	}

	d, err := parseArtifact(raw, l.networkID)
	if err != nil {
		l.log.Error("contract artifact rejected", zap.Error(err))
		return
	}

	l.current.Store(d)
	l.lastMod = mod
	l.log.Info("contract descriptor loaded",
		zap.String("address", d.Address.Hex()),
		zap.String("network", d.NetworkID),
	)
}

func parseArtifact(raw []byte, networkID string) (*Descriptor, error) {
	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(a.ABI) == 0 {
		return nil, errors.New("artifact has no abi")
	}

	parsed, err := abi.JSON(bytes.NewReader(a.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if _, ok := parsed.Methods[StatusMethod]; !ok {
		return nil, fmt.Errorf("abi missing method %q", StatusMethod)
	}
	if _, ok := parsed.Events[SettledEvent]; !ok {
		return nil, fmt.Errorf("abi missing event %q", SettledEvent)
	}

	net, ok := a.Networks[networkID]
	if !ok {
		return nil, fmt.Errorf("artifact has no deployment for network %s", networkID)
	}
	if !common.IsHexAddress(net.Address) {
		return nil, fmt.Errorf("invalid deployment address %q", net.Address)
	}

	return &Descriptor{
		ABI:       parsed,
		Address:   common.HexToAddress(net.Address),
		NetworkID: networkID,
		LoadedAt:  time.Now(),
	}, nil
}
