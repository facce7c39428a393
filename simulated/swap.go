package simulated

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/shopspring/decimal"
)

// DefaultSwapFeeBps is a 0.3% pool fee.
const DefaultSwapFeeBps = 30

// SwapOptions configures a SwapProvider.
type SwapOptions struct {
	Ledger *Ledger
	// FeeBps is charged on every swap. Negative values are treated as zero.
	FeeBps int64
	// Price is stable units per native unit. Defaults to 1.
	Price decimal.Decimal
	// QuoteDrift is subtracted from executed amounts, modelling price moves
	// between quote and execution.
	QuoteDrift decimal.Decimal
}

// SwapProvider is a constant-price pool with a fee.
type SwapProvider struct {
	ledger *Ledger
	fee    decimal.Decimal
	price  decimal.Decimal
	drift  decimal.Decimal
}

// NewSwapProvider creates a swap provider.
func NewSwapProvider(opts SwapOptions) *SwapProvider {
	if opts.Ledger == nil {
		opts.Ledger = NewLedger()
	}
	if opts.FeeBps < 0 {
		opts.FeeBps = 0
	}
	if opts.Price.IsZero() {
		opts.Price = decimal.NewFromInt(1)
	}
	return &SwapProvider{
		ledger: opts.Ledger,
		fee:    decimal.New(opts.FeeBps, -4),
		price:  opts.Price,
		drift:  opts.QuoteDrift,
	}
}

func (s *SwapProvider) amountOut(amountIn decimal.Decimal, in, out yieldsaga.Asset) (decimal.Decimal, error) {
	if in == out {
		return decimal.Zero, fmt.Errorf("cannot swap %s to itself", in)
	}
	gross := amountIn.Mul(s.price)
	if in == yieldsaga.AssetStable {
		gross = amountIn.Div(s.price)
	}
	net := gross.Mul(decimal.NewFromInt(1).Sub(s.fee))
	return net.Truncate(Decimals(out)), nil
}

func (s *SwapProvider) Quote(ctx context.Context, network string, amountIn decimal.Decimal, in, out yieldsaga.Asset) (*yieldsaga.SwapQuote, error) {
	amountOut, err := s.amountOut(amountIn, in, out)
	if err != nil {
		return nil, err
	}
	return &yieldsaga.SwapQuote{
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Route:     fmt.Sprintf("%s:%s->%s", network, in, out),
	}, nil
}

// Execute swaps on the ledger. It fails with slippage_exceeded, leaving
// balances untouched, if the output would fall below MinAmountOut.
func (s *SwapProvider) Execute(ctx context.Context, req yieldsaga.SwapRequest) (*yieldsaga.SwapResult, error) {
	amountOut, err := s.amountOut(req.AmountIn, req.AssetIn, req.AssetOut)
	if err != nil {
		return nil, err
	}
	amountOut = amountOut.Sub(s.drift)
	if amountOut.LessThan(req.MinAmountOut) {
		return nil, yieldsaga.Errorf(yieldsaga.KindSlippageExceeded,
			"output %s below minimum %s", amountOut, req.MinAmountOut)
	}
	if err := s.ledger.Debit(req.Network, req.AssetIn, req.Recipient, req.AmountIn); err != nil {
		return nil, err
	}
	s.ledger.Credit(req.Network, req.AssetOut, req.Recipient, amountOut)
	return &yieldsaga.SwapResult{
		TxRef:     txHash("swap", req.Network, req.Recipient, req.AmountIn.String()),
		AmountOut: amountOut,
	}, nil
}
