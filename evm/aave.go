package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// DefaultStableDecimals is the precision of USDC.
const DefaultStableDecimals int32 = 6

// AaveOptions configures an AaveProtocol.
type AaveOptions struct {
	Pool         common.Address
	DataProvider common.Address
	Asset        common.Address
	AToken       common.Address
	Decimals     int32
	Caller       ethereum.ContractCaller
	Submitter    Submitter
	Logger       *slog.Logger
}

// AaveProtocol implements yieldsaga.YieldProtocol against an Aave V3 pool.
// Only immediate redemptions are supported.
type AaveProtocol struct {
	opts   AaveOptions
	logger *slog.Logger
}

// NewAaveProtocol creates the adapter.
func NewAaveProtocol(opts AaveOptions) (*AaveProtocol, error) {
	if opts.Caller == nil {
		return nil, fmt.Errorf("contract caller is required")
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if opts.Decimals == 0 {
		opts.Decimals = DefaultStableDecimals
	}
	if opts.Logger == nil {
		opts.Logger = yieldsaga.NewDiscardLogger()
	}
	return &AaveProtocol{opts: opts, logger: opts.Logger}, nil
}

// DialAaveProtocol connects to endpoint and signs with hexKey.
func DialAaveProtocol(ctx context.Context, endpoint, hexKey string, opts AaveOptions) (*AaveProtocol, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	submitter, err := NewKeySubmitter(client, hexKey)
	if err != nil {
		return nil, err
	}
	opts.Caller = client
	opts.Submitter = submitter
	return NewAaveProtocol(opts)
}

func (p *AaveProtocol) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := p.opts.Caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (p *AaveProtocol) send(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (common.Hash, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	hash, err := p.opts.Submitter.Submit(ctx, to, data)
	if err != nil {
		return hash, fmt.Errorf("%s: %w", method, err)
	}
	p.logger.Info("transaction mined", slog.String("method", method), slog.String("tx_hash", hash.Hex()))
	return hash, nil
}

func (p *AaveProtocol) balanceOf(ctx context.Context, token common.Address, owner common.Address) (decimal.Decimal, error) {
	values, err := p.call(ctx, ERC20ABI, token, "balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	units, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return FromUnits(units, p.opts.Decimals), nil
}

// SuppliedBalance returns owner's receipt balance, principal plus interest.
func (p *AaveProtocol) SuppliedBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	addr, err := parseAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	return p.balanceOf(ctx, p.opts.AToken, addr)
}

// Supply approves the pool and supplies amount on behalf of owner. Receipt
// tokens are minted 1:1.
func (p *AaveProtocol) Supply(ctx context.Context, owner string, amount decimal.Decimal) (*yieldsaga.SupplyResult, error) {
	onBehalfOf, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	units := ToUnits(amount, p.opts.Decimals)
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("supply amount must be positive, got %s", amount)
	}
	have, err := p.balanceOf(ctx, p.opts.Asset, p.opts.Submitter.From())
	if err != nil {
		return nil, err
	}
	if have.LessThan(amount) {
		return nil, yieldsaga.Errorf(yieldsaga.KindInsufficientBalance,
			"signer holds %s, needs %s", have, amount)
	}
	if _, err := p.send(ctx, ERC20ABI, p.opts.Asset, "approve", p.opts.Pool, units); err != nil {
		return nil, err
	}
	hash, err := p.send(ctx, PoolABI, p.opts.Pool, "supply", p.opts.Asset, units, onBehalfOf, uint16(0))
	if err != nil {
		return nil, err
	}
	return &yieldsaga.SupplyResult{TxRef: hash.Hex(), ReceiptAmount: FromUnits(units, p.opts.Decimals)}, nil
}

// Withdraw redeems receipt tokens to the recipient. The returned amount is
// the receipt balance burned. Interest is only reported for partial
// withdrawals, where the principal is known.
func (p *AaveProtocol) Withdraw(ctx context.Context, owner string, req yieldsaga.WithdrawRequest) (*yieldsaga.WithdrawResult, error) {
	if req.Mode == yieldsaga.RedemptionDelayed {
		return nil, fmt.Errorf("delayed redemptions are not supported by the lending pool")
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = owner
	}
	to, err := parseAddress(recipient)
	if err != nil {
		return nil, err
	}
	before, err := p.SuppliedBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	units := MaxUint256
	returned := before
	if req.Amount != nil {
		if req.Amount.GreaterThan(before) {
			return nil, yieldsaga.Errorf(yieldsaga.KindInsufficientBalance,
				"%s holds %s receipt tokens, requested %s", owner, before, *req.Amount)
		}
		units = ToUnits(*req.Amount, p.opts.Decimals)
		returned = FromUnits(units, p.opts.Decimals)
	}
	hash, err := p.send(ctx, PoolABI, p.opts.Pool, "withdraw", p.opts.Asset, units, to)
	if err != nil {
		return nil, err
	}
	return &yieldsaga.WithdrawResult{
		TxRef:          hash.Hex(),
		ReturnedAmount: returned,
		InterestEarned: decimal.Zero,
	}, nil
}

// CurrentAPY reads the reserve's liquidity rate.
func (p *AaveProtocol) CurrentAPY(ctx context.Context) (decimal.Decimal, error) {
	values, err := p.call(ctx, DataProviderABI, p.opts.DataProvider, "getReserveData", p.opts.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := values[3].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected liquidityRate %T", values[3])
	}
	return RayToPercent(rate), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
