package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/shopspring/decimal"
)

var daysPerYear = decimal.NewFromInt(365)

// YieldOptions configures a YieldProtocol.
type YieldOptions struct {
	Ledger *Ledger
	Clock  *Clock
	// Network hosts the protocol. Defaults to the default route destination.
	Network string
	// APY is an annual percentage, e.g. 6 for 6%.
	APY decimal.Decimal
	// ImmediateFeeBps is charged on immediate redemptions.
	ImmediateFeeBps int64
	// EpochLength is how long a delayed redemption takes to settle.
	EpochLength time.Duration
}

type position struct {
	principal decimal.Decimal
	accrued   decimal.Decimal
	since     time.Time
}

type redemption struct {
	owner    string
	amount   decimal.Decimal
	interest decimal.Decimal
	readyAt  time.Time
	claimed  bool
}

// YieldProtocol accrues simple interest on supplied stable balances using a
// shared Clock. It implements yieldsaga.YieldProtocol,
// yieldsaga.RedemptionClaimer and yieldsaga.Accruer, advancing its clock
// when asked to accrue.
type YieldProtocol struct {
	ledger  *Ledger
	clock   *Clock
	network string
	apy     decimal.Decimal
	fee     decimal.Decimal
	epoch   time.Duration

	positions   map[string]*position
	redemptions map[string]*redemption
	mutex       sync.Mutex
}

// NewYieldProtocol creates a yield protocol.
func NewYieldProtocol(opts YieldOptions) *YieldProtocol {
	if opts.Ledger == nil {
		opts.Ledger = NewLedger()
	}
	if opts.Clock == nil {
		opts.Clock = NewClock(time.Now())
	}
	if opts.Network == "" {
		opts.Network = yieldsaga.DefaultRoute().DestinationNetwork
	}
	if opts.EpochLength <= 0 {
		opts.EpochLength = 48 * time.Hour
	}
	return &YieldProtocol{
		ledger:      opts.Ledger,
		clock:       opts.Clock,
		network:     opts.Network,
		apy:         opts.APY,
		fee:         decimal.New(opts.ImmediateFeeBps, -4),
		epoch:       opts.EpochLength,
		positions:   map[string]*position{},
		redemptions: map[string]*redemption{},
	}
}

// EpochLength is how long a delayed redemption takes to settle.
func (y *YieldProtocol) EpochLength() time.Duration {
	return y.epoch
}

// Interest returns simple interest on principal at apy percent over elapsed,
// truncated to stable precision.
func Interest(principal, apy decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	days := decimal.NewFromFloat(elapsed.Hours()).Div(decimal.NewFromInt(24))
	return principal.Mul(apy).Div(hundred).Mul(days).Div(daysPerYear).Truncate(StableDecimals)
}

var hundred = decimal.NewFromInt(100)

// settle folds interest accrued since the last settlement into the position.
// Callers hold the mutex.
func (y *YieldProtocol) settle(p *position) {
	now := y.clock.Now()
	p.accrued = p.accrued.Add(Interest(p.principal, y.apy, now.Sub(p.since)))
	p.since = now
}

func (y *YieldProtocol) Supply(ctx context.Context, owner string, amount decimal.Decimal) (*yieldsaga.SupplyResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("supply amount must be positive, got %s", amount)
	}
	if err := y.ledger.Debit(y.network, yieldsaga.AssetStable, owner, amount); err != nil {
		return nil, err
	}

	y.mutex.Lock()
	defer y.mutex.Unlock()

	p, ok := y.positions[owner]
	if !ok {
		p = &position{since: y.clock.Now()}
		y.positions[owner] = p
	} else {
		y.settle(p)
	}
	p.principal = p.principal.Add(amount)
	return &yieldsaga.SupplyResult{
		TxRef:         txHash("supply", y.network, owner, amount.String()),
		ReceiptAmount: amount,
	}, nil
}

// Withdraw redeems receipt units. Receipt units map 1:1 to principal; the
// interest attributable to the redeemed share is paid alongside.
func (y *YieldProtocol) Withdraw(ctx context.Context, owner string, req yieldsaga.WithdrawRequest) (*yieldsaga.WithdrawResult, error) {
	y.mutex.Lock()
	defer y.mutex.Unlock()

	p, ok := y.positions[owner]
	if !ok || p.principal.IsZero() {
		return nil, yieldsaga.Errorf(yieldsaga.KindInsufficientBalance, "%s has no position", owner)
	}
	y.settle(p)

	principal := p.principal
	if req.Amount != nil {
		if req.Amount.GreaterThan(p.principal) {
			return nil, yieldsaga.Errorf(yieldsaga.KindInsufficientBalance,
				"%s holds %s receipt units, requested %s", owner, p.principal, *req.Amount)
		}
		principal = *req.Amount
	}
	interest := p.accrued.Mul(principal).Div(p.principal).Truncate(StableDecimals)
	p.principal = p.principal.Sub(principal)
	p.accrued = p.accrued.Sub(interest)
	if p.principal.IsZero() {
		delete(y.positions, owner)
	}

	recipient := req.Recipient
	if recipient == "" {
		recipient = owner
	}
	total := principal.Add(interest)

	if req.Mode == yieldsaga.RedemptionDelayed {
		ref := txHash("redeem", y.network, owner, total.String())
		y.redemptions[ref] = &redemption{
			owner:    recipient,
			amount:   total,
			interest: interest,
			readyAt:  y.clock.Now().Add(y.epoch),
		}
		return &yieldsaga.WithdrawResult{PendingRef: ref}, nil
	}

	returned := total.Sub(total.Mul(y.fee)).Truncate(StableDecimals)
	y.ledger.Credit(y.network, yieldsaga.AssetStable, recipient, returned)
	return &yieldsaga.WithdrawResult{
		TxRef:          txHash("withdraw", y.network, owner, returned.String()),
		ReturnedAmount: returned,
		InterestEarned: interest,
	}, nil
}

// ClaimRedemption pays out a delayed redemption once its epoch has ended.
func (y *YieldProtocol) ClaimRedemption(ctx context.Context, owner, pendingRef string) (*yieldsaga.WithdrawResult, error) {
	y.mutex.Lock()
	defer y.mutex.Unlock()

	r, ok := y.redemptions[pendingRef]
	if !ok {
		return nil, fmt.Errorf("unknown redemption %s", pendingRef)
	}
	if r.claimed {
		return nil, fmt.Errorf("redemption %s already claimed", pendingRef)
	}
	if y.clock.Now().Before(r.readyAt) {
		return &yieldsaga.WithdrawResult{PendingRef: pendingRef}, nil
	}
	y.ledger.Credit(y.network, yieldsaga.AssetStable, r.owner, r.amount)
	r.claimed = true
	return &yieldsaga.WithdrawResult{
		TxRef:          txHash("claim", y.network, owner, pendingRef),
		ReturnedAmount: r.amount,
		InterestEarned: r.interest,
	}, nil
}

func (y *YieldProtocol) CurrentAPY(ctx context.Context) (decimal.Decimal, error) {
	y.mutex.Lock()
	defer y.mutex.Unlock()

	return y.apy, nil
}

// SetAPY changes the rate. Interest accrued so far is settled at the old rate.
func (y *YieldProtocol) SetAPY(apy decimal.Decimal) {
	y.mutex.Lock()
	defer y.mutex.Unlock()

	for _, p := range y.positions {
		y.settle(p)
	}
	y.apy = apy
}

// Position returns owner's principal and interest accrued to now.
func (y *YieldProtocol) Position(owner string) (principal, interest decimal.Decimal) {
	y.mutex.Lock()
	defer y.mutex.Unlock()

	p, ok := y.positions[owner]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	y.settle(p)
	return p.principal, p.accrued
}

// Accrue advances the protocol clock by period.
func (y *YieldProtocol) Accrue(ctx context.Context, sagaID string, period time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	y.clock.Advance(period)
	return nil
}
