package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Submitter sends a contract call as a transaction and waits until it is
// mined successfully.
type Submitter interface {
	Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	From() common.Address
}

// Backend is the part of an ethclient.Client that KeySubmitter uses.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeySubmitter signs legacy transactions with a local private key.
type KeySubmitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address

	chainID *big.Int
	mutex   sync.Mutex
}

// NewKeySubmitter creates a submitter from a hex encoded private key.
func NewKeySubmitter(backend Backend, hexKey string) (*KeySubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySubmitter{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *KeySubmitter) From() common.Address {
	return s.from
}

// Submit serializes nonce allocation so concurrent sagas sharing a key do not
// collide.
func (s *KeySubmitter) Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	tx, err := s.sign(ctx, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (s *KeySubmitter) sign(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.chainID == nil {
		chainID, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		s.chainID = chainID
	}
	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}
