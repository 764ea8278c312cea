package pricing

import (
	"math/big"
	"testing"

	"github.com/nearpay/vectigal/internal/models"
)

func TestCompletionCost(t *testing.T) {
	table, err := NewTable("10", "5", 100)
	if err != nil {
		t.Fatal(err)
	}
	meta := models.RouteMeta{Route: "/oai/v1/chat/completions"}

	cost, err := table.CompletionCost([]byte(`{"model":"gpt-x","max_tokens":50}`), meta)
	if err != nil {
		t.Fatal(err)
	}
	if cost.Cmp(big.NewInt(5+10*50)) != 0 {
		t.Fatalf("cost %s, want 505", cost)
	}

	// max_completion_tokens wins over the deprecated field
	cost, err = table.CompletionCost([]byte(`{"max_tokens":50,"max_completion_tokens":20}`), meta)
	if err != nil {
		t.Fatal(err)
	}
	if cost.Cmp(big.NewInt(5+10*20)) != 0 {
		t.Fatalf("cost %s, want 205", cost)
	}

	// missing ceiling falls back to the configured default
	cost, err = table.CompletionCost([]byte(`{"model":"gpt-x"}`), meta)
	if err != nil {
		t.Fatal(err)
	}
	if cost.Cmp(big.NewInt(5+10*100)) != 0 {
		t.Fatalf("cost %s, want 1005", cost)
	}
}

func TestCompletionCostErrors(t *testing.T) {
	table, err := NewTable("10", "0", 100)
	if err != nil {
		t.Fatal(err)
	}
	meta := models.RouteMeta{}

	if _, err := table.CompletionCost([]byte("{"), meta); !models.IsKind(err, models.ErrPricing) {
		t.Fatalf("bad JSON: got %v, want pricing error", err)
	}
	if _, err := table.CompletionCost([]byte(`{"max_tokens":0}`), meta); !models.IsKind(err, models.ErrPricing) {
		t.Fatalf("zero ceiling: got %v, want pricing error", err)
	}
	if _, err := table.CompletionCost([]byte(`{"max_tokens":-5}`), meta); !models.IsKind(err, models.ErrPricing) {
		t.Fatalf("negative ceiling: got %v, want pricing error", err)
	}
}

func TestNewTableRejectsBadRates(t *testing.T) {
	if _, err := NewTable("abc", "0", 10); err == nil {
		t.Fatal("expected error for unparsable token rate")
	}
	if _, err := NewTable("-1", "0", 10); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestRoutes(t *testing.T) {
	fallbackCalls := 0
	fallback := func([]byte, models.RouteMeta) (*big.Int, error) {
		fallbackCalls++
		return big.NewInt(1), nil
	}
	bound := func([]byte, models.RouteMeta) (*big.Int, error) {
		return big.NewInt(2), nil
	}

	routes := NewRoutes(fallback)
	routes.Bind("/oai/v1/embeddings", bound)

	cost, _ := routes.For("/oai/v1/embeddings")(nil, models.RouteMeta{})
	if cost.Int64() != 2 {
		t.Fatalf("bound route cost %s", cost)
	}
	cost, _ = routes.For("/oai/*path")(nil, models.RouteMeta{})
	if cost.Int64() != 1 || fallbackCalls != 1 {
		t.Fatal("fallback not used for unbound route")
	}
}
