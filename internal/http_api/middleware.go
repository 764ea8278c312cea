package http_api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/receipt"
)

// PaymentHeader carries the base64 SignedState authorizing the request.
const PaymentHeader = "X-Payment-Channel-State"

// inflightLimiter caps concurrent gated requests per channel so a sender
// cannot flood the ledger with admissions that all race on one row.
type inflightLimiter struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	cap   int
}

func newInflightLimiter(capacity int) *inflightLimiter {
	return &inflightLimiter{slots: make(map[string]chan struct{}), cap: capacity}
}

// acquire returns a release func, or false when the channel is saturated.
func (l *inflightLimiter) acquire(channel string) (func(), bool) {
	l.mu.Lock()
	sem, ok := l.slots[channel]
	if !ok {
		sem = make(chan struct{}, l.cap)
		l.slots[channel] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// paymentRequired is the gate in front of every upstream route: extract
// header, decode, price, admit, then hand over to the relay. The cost is
// computed strictly before the upstream is contacted; the admission commit
// is the point of no return for the charge.
func (s *HTTPServer) paymentRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		header := c.GetHeader(PaymentHeader)
		if header == "" {
			s.reject(c, models.NewAdmitError(models.ErrMissingHeader,
				"add a signed channel state under %s", PaymentHeader))
			return
		}

		ss, err := receipt.ParseHeader(header)
		if err != nil {
			s.reject(c, &models.AdmitError{Kind: models.ErrMalformed, Err: err})
			return
		}

		release, ok := s.inflight.acquire(ss.ChannelName)
		if !ok {
			s.reject(c, models.NewAdmitError(models.ErrRateLimited,
				"too many requests in flight on channel %s", ss.ChannelName))
			return
		}
		defer release()

		// The relay needs the body again after pricing has consumed it.
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxRequestBody))
		if err != nil {
			s.reject(c, models.NewAdmitError(models.ErrMalformed, "unable to read request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		costFn := s.pricing.For(c.FullPath())
		cost, err := costFn(body, models.RouteMeta{Route: c.Request.URL.Path})
		if err != nil {
			s.reject(c, err)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
		defer cancel()
		if err := s.provider.AdmitReceipt(ctx, ss, cost); err != nil {
			s.reject(c, err)
			return
		}

		s.metrics.ObserveLatency("admission", time.Since(start), map[string]string{"outcome": "admitted"})
		c.Next()
	}
}

func (s *HTTPServer) reject(c *gin.Context, err error) {
	status, body := errorBody(err)
	kind := models.KindOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Payment gate error: ", err)
	} else {
		s.logger.Debug("Payment gate rejection: ", kind.String())
	}
	s.metrics.IncCounter("gate", map[string]string{"outcome": kind.String()})
	c.AbortWithStatusJSON(status, body)
}
