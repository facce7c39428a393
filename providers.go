package yieldsaga

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies which side of a swap an amount is denominated in.
type Asset string

const (
	AssetNative Asset = "native"
	AssetStable Asset = "stable"
)

// SwapQuote is the expected result of swapping AmountIn.
type SwapQuote struct {
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Route     string          `json:"route,omitempty"`
}

// SwapRequest executes a swap that must yield at least MinAmountOut.
type SwapRequest struct {
	Network      string
	AssetIn      Asset
	AssetOut     Asset
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
	Recipient    string
}

// SwapResult is the realized outcome of a swap.
type SwapResult struct {
	TxRef     string
	AmountOut decimal.Decimal
}

// SwapProvider quotes and executes swaps between the native and stable asset.
type SwapProvider interface {
	Quote(ctx context.Context, network string, amountIn decimal.Decimal, assetIn, assetOut Asset) (*SwapQuote, error)
	Execute(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// BurnRequest destroys Amount held by Owner on Network so it can be minted to
// Recipient on the network identified by DestinationDomain.
type BurnRequest struct {
	Network           string
	Owner             string
	Amount            decimal.Decimal
	DestinationDomain uint32
	Recipient         string
}

// BurnResult names the burn transaction and the cross-network message it
// emitted.
type BurnResult struct {
	TxRef       string
	MessageHash string
}

// BurnBridge is the irreversible half of the bridge.
type BurnBridge interface {
	Burn(ctx context.Context, req BurnRequest) (*BurnResult, error)
}

// MintRequest redeems an attested message on Network.
type MintRequest struct {
	Network     string
	MessageHash string
	Attestation string
	Recipient   string
}

// MintResult is the mint transaction and the amount that arrived.
type MintResult struct {
	TxRef  string
	Amount decimal.Decimal
}

// MintBridge completes a bridge transfer.
type MintBridge interface {
	Mint(ctx context.Context, req MintRequest) (*MintResult, error)
}

// AttestationProvider blocks until the attestation for messageHash is
// available. Implementations return an attestation_timeout SagaError when
// maxAttempts polls pass without an answer or ctx ends, and an
// attestation_failed SagaError when the service reports failure.
type AttestationProvider interface {
	WaitForAttestation(ctx context.Context, messageHash string, maxAttempts int, interval time.Duration) (string, error)
}

// SupplyResult is the outcome of depositing into a yield protocol.
type SupplyResult struct {
	TxRef         string
	ReceiptAmount decimal.Decimal
}

// WithdrawRequest redeems receipt assets. A nil Amount redeems everything.
type WithdrawRequest struct {
	Amount    *decimal.Decimal
	Mode      RedemptionMode
	Recipient string
}

// WithdrawResult is the outcome of a redemption. A delayed redemption that
// has not settled yet carries a PendingRef and no amounts.
type WithdrawResult struct {
	TxRef          string
	ReturnedAmount decimal.Decimal
	InterestEarned decimal.Decimal
	PendingRef     string
}

// Pending reports whether the redemption has not settled yet.
func (r *WithdrawResult) Pending() bool {
	return r.PendingRef != ""
}

// YieldProtocol is a lending pool or liquid staking protocol.
type YieldProtocol interface {
	Supply(ctx context.Context, owner string, amount decimal.Decimal) (*SupplyResult, error)
	Withdraw(ctx context.Context, owner string, req WithdrawRequest) (*WithdrawResult, error)
	CurrentAPY(ctx context.Context) (decimal.Decimal, error)
}

// RedemptionClaimer is implemented by protocols that support delayed
// redemptions. Claim returns a still pending result until the epoch ends.
type RedemptionClaimer interface {
	ClaimRedemption(ctx context.Context, owner, pendingRef string) (*WithdrawResult, error)
}

// BalanceChecker is consulted before swaps and burns when configured.
type BalanceChecker interface {
	Balance(ctx context.Context, network string, asset Asset, owner string) (decimal.Decimal, error)
}
