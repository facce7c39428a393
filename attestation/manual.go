package attestation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ManualProvider answers immediately with a synthetic attestation. It models
// bridges that need no off-chain finality wait, such as an operator-run
// bridge, and local runs without an attestation service.
type ManualProvider struct {
	logger *slog.Logger
}

// NewManualProvider creates a manual provider.
func NewManualProvider(logger *slog.Logger) *ManualProvider {
	if logger == nil {
		logger = yieldsaga.NewDiscardLogger()
	}
	return &ManualProvider{logger: logger}
}

// SyntheticAttestation derives a deterministic attestation from the message
// hash: keccak256 over the hash bytes.
func SyntheticAttestation(messageHash string) string {
	var data []byte
	if strings.HasPrefix(messageHash, "0x") {
		data = common.FromHex(messageHash)
	} else {
		data = []byte(messageHash)
	}
	return crypto.Keccak256Hash([]byte("attestation"), data).Hex()
}

// WaitForAttestation returns at once. The polling budget is ignored.
func (p *ManualProvider) WaitForAttestation(ctx context.Context, messageHash string, maxAttempts int, interval time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", interrupted(err, 0)
	}
	attestation := SyntheticAttestation(messageHash)
	p.logger.Info("manual attestation issued", slog.String("message_hash", messageHash))
	return attestation, nil
}

// GetAttestation lets the manual provider stand in wherever a Fetcher is
// expected.
func (p *ManualProvider) GetAttestation(ctx context.Context, messageHash string) (*Response, error) {
	return &Response{
		MessageHash: messageHash,
		Status:      StatusComplete,
		Attestation: SyntheticAttestation(messageHash),
	}, nil
}
