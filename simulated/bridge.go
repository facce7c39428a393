package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/attestation"
	"github.com/shopspring/decimal"
)

type message struct {
	destinationDomain uint32
	recipient         string
	amount            decimal.Decimal
	polls             int
	failed            bool
	minted            bool
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Ledger *Ledger
	// Domains maps network names to bridge domains.
	Domains map[string]uint32
	// PendingPolls is how many attestation fetches answer pending before a
	// message is attested.
	PendingPolls int
	// FeeBps is taken from every transfer on mint.
	FeeBps int64
}

// Bridge is a burn-and-mint bridge together with its attestation service.
// It implements yieldsaga.BurnBridge, yieldsaga.MintBridge and
// attestation.Fetcher.
type Bridge struct {
	ledger       *Ledger
	domains      map[string]uint32
	pendingPolls int
	fee          decimal.Decimal

	messages map[string]*message
	mutex    sync.Mutex
}

// NewBridge creates a bridge.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Ledger == nil {
		opts.Ledger = NewLedger()
	}
	if opts.Domains == nil {
		route := yieldsaga.DefaultRoute()
		opts.Domains = map[string]uint32{
			route.SourceNetwork:      route.SourceDomain,
			route.DestinationNetwork: route.DestinationDomain,
		}
	}
	return &Bridge{
		ledger:       opts.Ledger,
		domains:      opts.Domains,
		pendingPolls: opts.PendingPolls,
		fee:          decimal.New(opts.FeeBps, -4),
		messages:     map[string]*message{},
	}
}

func (b *Bridge) Burn(ctx context.Context, req yieldsaga.BurnRequest) (*yieldsaga.BurnResult, error) {
	if _, ok := b.domains[req.Network]; !ok {
		return nil, fmt.Errorf("unknown network %q", req.Network)
	}
	if err := b.ledger.Debit(req.Network, yieldsaga.AssetStable, req.Owner, req.Amount); err != nil {
		return nil, err
	}
	txRef := txHash("burn", req.Network, req.Owner, req.Amount.String())
	messageHash := txHash("message", txRef, fmt.Sprint(req.DestinationDomain))

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.messages[messageHash] = &message{
		destinationDomain: req.DestinationDomain,
		recipient:         req.Recipient,
		amount:            req.Amount,
	}
	return &yieldsaga.BurnResult{TxRef: txRef, MessageHash: messageHash}, nil
}

func (b *Bridge) Mint(ctx context.Context, req yieldsaga.MintRequest) (*yieldsaga.MintResult, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	msg, ok := b.messages[req.MessageHash]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", req.MessageHash)
	}
	if msg.minted {
		return nil, fmt.Errorf("message %s already minted", req.MessageHash)
	}
	if req.Attestation != attestation.SyntheticAttestation(req.MessageHash) {
		return nil, fmt.Errorf("invalid attestation for %s", req.MessageHash)
	}
	if domain, ok := b.domains[req.Network]; !ok || domain != msg.destinationDomain {
		return nil, fmt.Errorf("message %s is not destined for %s", req.MessageHash, req.Network)
	}
	amount := msg.amount.Sub(msg.amount.Mul(b.fee)).Truncate(StableDecimals)
	// The burned message fixes the recipient; the request's is informational.
	b.ledger.Credit(req.Network, yieldsaga.AssetStable, msg.recipient, amount)
	msg.minted = true
	return &yieldsaga.MintResult{
		TxRef:  txHash("mint", req.Network, msg.recipient, req.MessageHash),
		Amount: amount,
	}, nil
}

// GetAttestation implements attestation.Fetcher. Attestations use the same
// derivation as the manual provider, so either provider can drive mints.
func (b *Bridge) GetAttestation(ctx context.Context, messageHash string) (*attestation.Response, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	msg, ok := b.messages[messageHash]
	if !ok {
		return &attestation.Response{MessageHash: messageHash, Status: attestation.StatusPending}, nil
	}
	if msg.failed {
		return &attestation.Response{MessageHash: messageHash, Status: attestation.StatusFailed}, nil
	}
	msg.polls++
	if msg.polls <= b.pendingPolls {
		return &attestation.Response{MessageHash: messageHash, Status: attestation.StatusPending}, nil
	}
	return &attestation.Response{
		MessageHash: messageHash,
		Status:      attestation.StatusComplete,
		Attestation: attestation.SyntheticAttestation(messageHash),
	}, nil
}

// FailMessage makes the attestation service report failure for a message.
func (b *Bridge) FailMessage(messageHash string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if msg, ok := b.messages[messageHash]; ok {
		msg.failed = true
	}
}

// SetPendingPolls changes how long future fetches stay pending.
func (b *Bridge) SetPendingPolls(n int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.pendingPolls = n
}
