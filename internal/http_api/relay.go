package http_api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nearpay/vectigal/internal/metrics"
	"github.com/nearpay/vectigal/pkg/logger"
)

// Relay forwards admitted requests to the upstream LLM backend, preserving
// streaming semantics end to end. By the time a request reaches the relay
// its charge is committed; upstream failures surface as 502 with an
// incident id and the charge stands.
type Relay struct {
	logger  *logger.Logger
	metrics metrics.Recorder
	proxy   *httputil.ReverseProxy
}

func NewRelay(upstreamURL, apiKey string, recorder metrics.Recorder, logger *logger.Logger) (*Relay, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}

	proxy := &httputil.ReverseProxy{
		// Negative FlushInterval streams every chunk through immediately,
		// which SSE responses require.
		FlushInterval: -1 * time.Millisecond,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			// The gated prefix is ours, not the upstream's.
			pr.Out.URL.Path = singleJoiningSlash(target.Path, strings.TrimPrefix(pr.In.URL.Path, "/oai"))
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Del(PaymentHeader)
			if apiKey != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+apiKey)
			}
		},
	}

	r := &Relay{logger: logger, metrics: recorder, proxy: proxy}
	proxy.ErrorHandler = r.upstreamError
	return r, nil
}

func singleJoiningSlash(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

// upstreamError reports a post-commit upstream failure. Context
// cancellation means the client went away; nothing useful can be written.
func (r *Relay) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	r.metrics.IncCounter("relay", map[string]string{"outcome": "upstream_error"})
	if req.Context().Err() != nil {
		return
	}

	incident := incidentID()
	r.logger.Error("Upstream relay failed, incident ", incident, ": ", err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":       "upstream_failed",
		"message":     "upstream request failed after the charge was committed",
		"incident_id": incident,
	})
}

func incidentID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

// relayUpstream streams the admitted request to the backend under the
// configured deadline.
func (s *HTTPServer) relayUpstream(c *gin.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()

	s.relay.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	s.metrics.ObserveLatency("relay", time.Since(start), map[string]string{"outcome": "done"})
}
