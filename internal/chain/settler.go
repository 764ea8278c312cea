package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"

	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/validation"
)

// withdrawGas is attached to the withdraw call; the contract's transfer
// promise needs headroom beyond the call itself.
const withdrawGas = 100_000_000_000_000

// Settler submits receiver-side withdraw transactions to the contract.
type Settler struct {
	logger   *logger.Logger
	rpc      *rpcClient
	contract string

	accountID  string
	publicKey  ed25519.PublicKey
	signingKey ed25519.PrivateKey
}

func NewSettler(rpcURL, contractID, accountID string, signingKey ed25519.PrivateKey, logger *logger.Logger) *Settler {
	return &Settler{
		logger:     logger,
		rpc:        newRPCClient(rpcURL),
		contract:   contractID,
		accountID:  accountID,
		publicKey:  signingKey.Public().(ed25519.PublicKey),
		signingKey: signingKey,
	}
}

type accessKeyView struct {
	Nonce uint64 `json:"nonce"`
}

type blockView struct {
	Header struct {
		Hash string `json:"hash"`
	} `json:"header"`
}

type txOutcome struct {
	Status map[string]json.RawMessage `json:"status"`
}

// Withdraw submits the given receipt's signed state so the contract pays
// out its spent balance.
func (s *Settler) Withdraw(ctx context.Context, channelName string, spent *big.Int, signature []byte) error {
	args, err := json.Marshal(map[string]interface{}{
		"state": map[string]interface{}{
			"state": map[string]interface{}{
				"channel_id":    channelName,
				"spent_balance": spent.String(),
			},
			"signature": "ed25519:" + base58.Encode(signature),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal withdraw args: %w", err)
	}
	return s.call(ctx, "withdraw", args)
}

// call signs and broadcasts one function call against the contract.
func (s *Settler) call(ctx context.Context, method string, args []byte) error {
	var key accessKeyView
	err := s.rpc.Call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   s.accountID,
		"public_key":   validation.FormatPublicKey(s.publicKey),
	}, &key)
	if err != nil {
		return fmt.Errorf("failed to query access key: %w", err)
	}

	var block blockView
	if err := s.rpc.Call(ctx, "block", map[string]interface{}{"finality": "final"}, &block); err != nil {
		return fmt.Errorf("failed to query latest block: %w", err)
	}
	hashRaw, err := base58.Decode(block.Header.Hash)
	if err != nil || len(hashRaw) != 32 {
		return fmt.Errorf("invalid block hash %q", block.Header.Hash)
	}

	tx := &transaction{
		SignerID:   s.accountID,
		PublicKey:  s.publicKey,
		Nonce:      key.Nonce + 1,
		ReceiverID: s.contract,
		MethodName: method,
		Args:       args,
		Gas:        withdrawGas,
		Deposit:    new(big.Int),
	}
	copy(tx.BlockHash[:], hashRaw)

	signed, err := tx.signedEncode(s.signingKey)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	var outcome txOutcome
	err = s.rpc.Call(ctx, "broadcast_tx_commit",
		[]string{base64.StdEncoding.EncodeToString(signed)}, &outcome)
	if err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", method, err)
	}
	if failure, ok := outcome.Status["Failure"]; ok {
		return fmt.Errorf("%s execution failed: %s", method, failure)
	}
	s.logger.Info("Submitted ", method, " transaction for contract ", s.contract)
	return nil
}
