// Package evm connects sagas to a live EVM yield protocol. It talks to an
// Aave V3 style lending pool through plain JSON-RPC calls and a transaction
// submitter, so it needs no generated contract bindings.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

const poolABI = `[
	{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"onBehalfOf","type":"address"},
		{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const dataProviderABI = `[
	{"type":"function","name":"getReserveData","stateMutability":"view","inputs":[
		{"name":"asset","type":"address"}],"outputs":[
		{"name":"availableLiquidity","type":"uint256"},
		{"name":"totalStableDebt","type":"uint256"},
		{"name":"totalVariableDebt","type":"uint256"},
		{"name":"liquidityRate","type":"uint256"},
		{"name":"variableBorrowRate","type":"uint256"},
		{"name":"stableBorrowRate","type":"uint256"},
		{"name":"averageStableBorrowRate","type":"uint256"},
		{"name":"liquidityIndex","type":"uint256"},
		{"name":"variableBorrowIndex","type":"uint256"},
		{"name":"lastUpdateTimestamp","type":"uint40"}]}
]`

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	PoolABI         = mustParseABI(poolABI)
	DataProviderABI = mustParseABI(dataProviderABI)
	ERC20ABI        = mustParseABI(erc20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// MaxUint256 asks the pool to withdraw the whole position.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ray is the 27 decimal fixed point unit rates are expressed in.
const rayDecimals = 27

// ToUnits converts a token amount to its integer base units, truncating
// anything beyond decimals.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromUnits converts integer base units to a token amount.
func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// RayToPercent converts an annual rate in ray units to a percentage.
func RayToPercent(rate *big.Int) decimal.Decimal {
	return FromUnits(rate, rayDecimals).Mul(decimal.NewFromInt(100))
}
