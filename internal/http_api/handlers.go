package http_api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/receipt"
)

// errorBody renders a structured admission error. NonMonotonic carries the
// ledger's maximum so the sender can retry higher; InsufficientBalance
// carries the missing top-up.
func errorBody(err error) (int, gin.H) {
	var ae *models.AdmitError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": err.Error(),
		}
	}
	body := gin.H{
		"error":   ae.Kind.String(),
		"message": ae.Error(),
	}
	if ae.CurrentMax != nil {
		body["current_max"] = ae.CurrentMax.String()
	}
	if ae.Required != nil {
		body["required"] = ae.Required.String()
	}
	return ae.Kind.HTTPStatus(), body
}

func (s *HTTPServer) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *HTTPServer) info(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.AccountInfo())
}

// channelState serves the observable snapshot of one channel.
func (s *HTTPServer) channelState(c *gin.Context) {
	state, err := s.provider.ChannelState(c.Request.Context(), c.Param("channel_id"))
	if err != nil {
		status, body := errorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, state)
}

// validateReceipt checks a base64 SignedState against the current ledger
// without admitting it: 200 valid, 409 stale, 401 bad signature, 404
// unknown channel, 400 malformed.
func (s *HTTPServer) validateReceipt(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrMalformed.String(), "message": "unable to read body"})
		return
	}
	ss, err := receipt.ParseHeader(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrMalformed.String(), "message": err.Error()})
		return
	}
	if err := s.provider.ValidateReceipt(c.Request.Context(), ss); err != nil {
		status, body := errorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"channel_name":  ss.ChannelName,
		"spent_balance": ss.SpentBalance.String(),
	})
}

// closeChannel soft closes a channel: outstanding spend is withdrawn and
// the receiver-signed zero-state voucher is returned so the sender can
// reclaim the remainder.
func (s *HTTPServer) closeChannel(c *gin.Context) {
	voucher, err := s.provider.CloseChannel(c.Request.Context(), c.Param("channel_id"))
	if err != nil {
		status, body := errorBody(err)
		c.JSON(status, body)
		return
	}
	header, err := receipt.FormatHeader(*voucher)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel_name":  voucher.ChannelName,
		"spent_balance": voucher.SpentBalance.String(),
		"signature":     base64.StdEncoding.EncodeToString(voucher.Signature),
		"signed_state":  header,
	})
}
