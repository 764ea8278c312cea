package models

import "math/big"

// RouteMeta describes the gated route a cost function prices.
type RouteMeta struct {
	// Route is the upstream path, e.g. "/oai/v1/chat/completions".
	Route string
	// Model is the requested model name, when the body names one.
	Model string
}

// CostFunc derives the yocto charge for a request from its body, before the
// upstream is contacted. Failures must be ErrPricing AdmitErrors.
type CostFunc func(body []byte, meta RouteMeta) (*big.Int, error)
