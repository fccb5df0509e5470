package ops

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/participant"
)

type submitOrderRequest struct {
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	OrderType string          `json:"orderType"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type createPaymentRequest struct {
	UserID   string          `json:"userId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: err.Error()})
		return
	}
	order, err := s.orders.Submit(c.Request.Context(), participant.SubmitOrder{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Quantity:  req.Quantity,
		Price:     req.Price,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "Cancelled by user"
	}
	order, err := s.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) closeTrade(c *gin.Context) {
	trade, err := s.trades.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: err.Error()})
		return
	}
	payment, err := s.payments.Create(c.Request.Context(), participant.CreatePayment{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}
