// Package simulated provides in-memory stand-ins for the chain
// collaborators of a saga: balances, swaps, a burn-and-mint bridge with its
// attestation service, and a yield protocol. They are used by the CLI's local
// mode and by tests.
package simulated

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Decimal places of each asset.
const (
	NativeDecimals int32 = 7
	StableDecimals int32 = 6
)

// Decimals returns the precision amounts of asset are truncated to.
func Decimals(asset yieldsaga.Asset) int32 {
	if asset == yieldsaga.AssetNative {
		return NativeDecimals
	}
	return StableDecimals
}

type balanceKey struct {
	network string
	asset   yieldsaga.Asset
	owner   string
}

// Ledger tracks balances per network, asset and owner.
type Ledger struct {
	balances map[balanceKey]decimal.Decimal
	mutex    sync.RWMutex
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: map[balanceKey]decimal.Decimal{}}
}

// Balance implements yieldsaga.BalanceChecker.
func (l *Ledger) Balance(ctx context.Context, network string, asset yieldsaga.Asset, owner string) (decimal.Decimal, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.balances[balanceKey{network, asset, owner}], nil
}

// Credit adds amount to owner's balance.
func (l *Ledger) Credit(network string, asset yieldsaga.Asset, owner string, amount decimal.Decimal) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := balanceKey{network, asset, owner}
	l.balances[key] = l.balances[key].Add(amount)
}

// Debit removes amount from owner's balance or fails without changing it.
func (l *Ledger) Debit(network string, asset yieldsaga.Asset, owner string, amount decimal.Decimal) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := balanceKey{network, asset, owner}
	have := l.balances[key]
	if have.LessThan(amount) {
		return yieldsaga.Errorf(yieldsaga.KindInsufficientBalance,
			"%s has %s %s on %s, needs %s", owner, have, asset, network, amount)
	}
	l.balances[key] = have.Sub(amount)
	return nil
}

// Clock is a manually advanced clock shared by the simulated services.
type Clock struct {
	now   time.Time
	mutex sync.Mutex
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.now = c.now.Add(d)
}

var txCounter atomic.Uint64

// txHash derives a unique transaction hash from its parts.
func txHash(parts ...string) string {
	n := txCounter.Add(1)
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "|")), []byte(fmt.Sprint(n))).Hex()
}
