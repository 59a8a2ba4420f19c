package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/tiffinly/tiffinly/internal/billing/domain"
	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
)

func parseID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) getGroup(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	group, err := s.subscriptionSvc.GetGroup(c.Request.Context(), id)
	if err != nil {
		s.subscriptionError(c, err)
		return
	}
	subs, err := s.subscriptionSvc.ListGroupSubscriptions(c.Request.Context(), id)
	if err != nil {
		s.subscriptionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": group, "subscriptions": subs})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) pauseGroup(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.subscriptionSvc.PauseGroup(c.Request.Context(), id, req.Reason); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeGroup(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := s.subscriptionSvc.ResumeGroup(c.Request.Context(), id); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) cancelGroup(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.subscriptionSvc.CancelGroup(c.Request.Context(), id, req.Reason); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type skipMealRequest struct {
	Date string `json:"date" binding:"required"`
	Slot string `json:"slot"`
}

func (s *Server) skipMeal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req skipMealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date is required"})
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}

	result, err := s.subscriptionSvc.SkipMeal(c.Request.Context(), subscriptiondomain.SkipMealRequest{
		SubscriptionID: id,
		Date:           date,
		Slot:           subscriptiondomain.Slot(req.Slot),
	})
	if err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credit_granted": result.CreditGranted,
		"skips_used":     result.SkipsUsed,
		"skip_limit":     result.SkipLimit,
	})
}

type scheduleDaysRequest struct {
	Days []int `json:"days" binding:"required"`
}

func (s *Server) updateScheduleDays(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req scheduleDaysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days is required"})
		return
	}

	if err := s.subscriptionSvc.UpdateScheduleDays(c.Request.Context(), id, req.Days); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "staged_for_next_renewal"})
}

type startDateRequest struct {
	StartDate string `json:"start_date" binding:"required"`
}

func (s *Server) changeStartDate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req startDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date is required"})
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date"})
		return
	}

	if err := s.subscriptionSvc.ChangeStartDate(c.Request.Context(), id, start); err != nil {
		s.subscriptionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) createRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req refundRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.billingSvc.CreateRefund(c.Request.Context(), id, req.Amount); err != nil {
		s.billingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refund_requested"})
}

func (s *Server) retryRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.billingSvc.RetryRefund(c.Request.Context(), id); err != nil {
		s.billingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refund_retried"})
}

func (s *Server) convertRefund(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.billingSvc.ConvertFailedRefundToCredit(c.Request.Context(), id); err != nil {
		s.billingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "converted_to_credit"})
}

func (s *Server) subscriptionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscriptiondomain.ErrGroupNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, subscriptiondomain.ErrCutoffPassed),
		errors.Is(err, subscriptiondomain.ErrInvalidOrderState),
		errors.Is(err, subscriptiondomain.ErrGroupNotActive),
		errors.Is(err, subscriptiondomain.ErrGroupNotPaused),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotActive),
		errors.Is(err, subscriptiondomain.ErrStartDateLocked),
		errors.Is(err, subscriptiondomain.ErrAlreadyCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, subscriptiondomain.ErrInvalidStartDate),
		errors.Is(err, subscriptiondomain.ErrInvalidScheduleDays),
		errors.Is(err, subscriptiondomain.ErrVendorSlotNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) billingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, billingdomain.ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, billingdomain.ErrInvoiceNotPaid),
		errors.Is(err, billingdomain.ErrRefundNotFailed),
		errors.Is(err, billingdomain.ErrRefundAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
