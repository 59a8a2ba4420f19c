package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"go.uber.org/zap"
)

type razorpayWebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Token struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"token"`
	} `json:"payload"`
}

// razorpayWebhook settles invoices from gateway callbacks. Unknown events
// and unknown orders return 200 so the gateway stops redelivering them.
func (s *Server) razorpayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Razorpay-Signature")
	if !s.gateway.VerifyWebhookSignature(body, signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event razorpayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	switch event.Event {
	case "payment.captured":
		payment := event.Payload.Payment.Entity
		invoice, err := s.billingSvc.MarkPaidByOrderID(c.Request.Context(), payment.OrderID, payment.ID)
		if err != nil {
			if errors.Is(err, billingdomain.ErrInvoiceNotFound) {
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			s.log.Error("webhook settlement failed",
				zap.String("order_id", payment.OrderID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "invoice_id": invoice.ID.String()})
	case "payment.failed":
		// Collection failures are handled by the retry job off the pending
		// invoice state; acknowledge and move on.
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case "token.cancelled", "token.paused":
		token := event.Payload.Token.Entity
		err := s.subscriptionSvc.HandleMandateRevoked(c.Request.Context(), token.ID)
		if err != nil {
			if errors.Is(err, subscriptiondomain.ErrGroupNotFound) {
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			s.log.Error("mandate revocation failed",
				zap.String("token_id", token.ID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}
