package http_api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/info", s.info)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/pc/state/:channel_id", s.channelState)
	s.router.POST("/pc/validate", s.validateReceipt)
	s.router.GET("/pc/close/:channel_id", s.closeChannel)

	// OpenAI-compatible passthrough, gated by the payment middleware.
	s.router.POST("/oai/*path", s.paymentRequired(), s.relayUpstream)
}
