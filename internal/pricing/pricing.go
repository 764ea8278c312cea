// Package pricing derives the yocto charge for a gated request before the
// upstream is contacted. The pre-call charge is an upper bound the sender
// authorizes; actual usage below it is not refunded.
package pricing

import (
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/pkg/u128"
)

// Table prices completion-style requests: a flat per-request base plus a
// per-token rate applied to the request's token ceiling.
type Table struct {
	perToken         decimal.Decimal
	perRequest       decimal.Decimal
	maxTokensDefault int
}

func NewTable(perToken, perRequest string, maxTokensDefault int) (*Table, error) {
	tokenRate, err := decimal.NewFromString(perToken)
	if err != nil {
		return nil, models.NewAdmitError(models.ErrPricing, "invalid per-token rate %q: %v", perToken, err)
	}
	requestRate, err := decimal.NewFromString(perRequest)
	if err != nil {
		return nil, models.NewAdmitError(models.ErrPricing, "invalid per-request rate %q: %v", perRequest, err)
	}
	if tokenRate.IsNegative() || requestRate.IsNegative() {
		return nil, models.NewAdmitError(models.ErrPricing, "rates must not be negative")
	}
	return &Table{
		perToken:         tokenRate,
		perRequest:       requestRate,
		maxTokensDefault: maxTokensDefault,
	}, nil
}

// completionBody is the slice of an OpenAI-compatible request the pricer
// needs. MaxCompletionTokens supersedes the deprecated MaxTokens field.
type completionBody struct {
	Model               string `json:"model"`
	MaxTokens           *int   `json:"max_tokens"`
	MaxCompletionTokens *int   `json:"max_completion_tokens"`
}

// CompletionCost is the CostFunc for completion and chat routes. The cost
// is computable from the body alone, strictly before any upstream call.
func (t *Table) CompletionCost(body []byte, meta models.RouteMeta) (*big.Int, error) {
	var req completionBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewAdmitError(models.ErrPricing, "request body is not valid JSON: %v", err)
	}

	tokens := t.maxTokensDefault
	switch {
	case req.MaxCompletionTokens != nil:
		tokens = *req.MaxCompletionTokens
	case req.MaxTokens != nil:
		tokens = *req.MaxTokens
	}
	if tokens <= 0 {
		return nil, models.NewAdmitError(models.ErrPricing, "token ceiling must be positive, got %d", tokens)
	}

	total := t.perRequest.Add(t.perToken.Mul(decimal.NewFromInt(int64(tokens))))
	cost, ok := new(big.Int).SetString(total.Floor().String(), 10)
	if !ok || !u128.Valid(cost) {
		return nil, models.NewAdmitError(models.ErrPricing, "cost %s out of range", total)
	}
	return cost, nil
}

// Routes binds cost functions to gated routes. Lookup is by exact route
// key; no prefix matching is done.
type Routes struct {
	byPrefix map[string]models.CostFunc
	fallback models.CostFunc
}

func NewRoutes(fallback models.CostFunc) *Routes {
	return &Routes{byPrefix: make(map[string]models.CostFunc), fallback: fallback}
}

func (r *Routes) Bind(prefix string, fn models.CostFunc) {
	r.byPrefix[prefix] = fn
}

// For returns the cost function for a route, falling back to the default.
func (r *Routes) For(route string) models.CostFunc {
	if fn, ok := r.byPrefix[route]; ok {
		return fn
	}
	return r.fallback
}
