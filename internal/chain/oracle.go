package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/u128"
	"github.com/nearpay/vectigal/pkg/validation"
)

// closedSentinel is the account id the contract writes when it resets a
// settled channel to its zero value.
const closedSentinel = "0000000000000000000000000000000000000000000000000000000000000000"

// Oracle serves read-only on-chain channel facts from a TTL cache. A read
// hits the network only when the entry is missing or stale, or when a
// refresh is forced.
type Oracle struct {
	logger   *logger.Logger
	rpc      *rpcClient
	contract string
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	view      *models.ChainView
	fetchedAt time.Time
}

func NewOracle(rpcURL, contractID string, ttl time.Duration, logger *logger.Logger) *Oracle {
	return &Oracle{
		logger:   logger,
		rpc:      newRPCClient(rpcURL),
		contract: contractID,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
	}
}

func (o *Oracle) ChannelView(ctx context.Context, name string) (*models.ChainView, error) {
	o.mu.RLock()
	entry, ok := o.cache[name]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < o.ttl {
		return entry.view, nil
	}
	return o.ForceRefresh(ctx, name)
}

func (o *Oracle) ForceRefresh(ctx context.Context, name string) (*models.ChainView, error) {
	view, err := o.fetchChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.cache[name] = cacheEntry{view: view, fetchedAt: time.Now()}
	o.mu.Unlock()
	return view, nil
}

// viewAccount and viewChannel mirror the contract's JSON serialization.
type viewAccount struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
}

type viewChannel struct {
	Receiver         viewAccount `json:"receiver"`
	Sender           viewAccount `json:"sender"`
	AddedBalance     string      `json:"added_balance"`
	WithdrawnBalance string      `json:"withdrawn_balance"`
	// ForceCloseStarted is the contract block timestamp in nanoseconds.
	ForceCloseStarted *uint64 `json:"force_close_started"`
}

// callFunctionResult carries the view call's return value as the RPC
// serves it: an array of byte values.
type callFunctionResult struct {
	Result []int    `json:"result"`
	Logs   []string `json:"logs"`
}

func (r *callFunctionResult) bytes() []byte {
	out := make([]byte, len(r.Result))
	for i, v := range r.Result {
		out[i] = byte(v)
	}
	return out
}

// fetchChannel calls the contract's `channel` view function. A nil view
// means the contract does not know the channel.
func (o *Oracle) fetchChannel(ctx context.Context, name string) (*models.ChainView, error) {
	args, err := json.Marshal(map[string]string{"channel_id": name})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal view args: %w", err)
	}

	var result callFunctionResult
	err = o.rpc.Call(ctx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   o.contract,
		"method_name":  "channel",
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("channel view call failed: %w", err)
	}

	payload := result.bytes()
	raw := strings.TrimSpace(string(payload))
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var vc viewChannel
	if err := json.Unmarshal(payload, &vc); err != nil {
		return nil, fmt.Errorf("failed to decode channel view: %w", err)
	}
	return o.toChainView(&vc)
}

func (o *Oracle) toChainView(vc *viewChannel) (*models.ChainView, error) {
	if vc.Sender.AccountID == closedSentinel {
		return &models.ChainView{Closed: true}, nil
	}

	senderPK, err := validation.ParsePublicKey(vc.Sender.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sender public key: %w", err)
	}
	receiverPK, err := validation.ParsePublicKey(vc.Receiver.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver public key: %w", err)
	}
	added, err := u128.FromString(vc.AddedBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid added balance: %w", err)
	}
	withdrawn, err := u128.FromString(vc.WithdrawnBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid withdrawn balance: %w", err)
	}

	view := &models.ChainView{
		Sender:           vc.Sender.AccountID,
		SenderPK:         senderPK,
		Receiver:         vc.Receiver.AccountID,
		ReceiverPK:       receiverPK,
		AddedBalance:     added,
		WithdrawnBalance: withdrawn,
	}
	if vc.ForceCloseStarted != nil {
		// block timestamps are nanoseconds since epoch
		secs := int64(*vc.ForceCloseStarted / uint64(time.Second))
		view.ForceCloseStarted = &secs
	}
	return view, nil
}
