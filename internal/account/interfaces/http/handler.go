// Package http 账户服务的 HTTP 接口：入金发股与账务查询
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/account/application"
	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/pkg/response"
)

// Handler 账户接口
type Handler struct {
	svc *application.Service
}

// NewHandler 构造 HTTP handler
func NewHandler(svc *application.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/accounts")
	{
		api.POST("/deposit", h.Deposit)
		api.POST("/grant", h.GrantShares)
		api.GET("/:userId", h.GetAccount)
		api.GET("/:userId/holdings", h.ListHoldings)
		api.GET("/:userId/transactions", h.ListTransactions)
	}
	r.GET("/api/v1/reservations/:orderId", h.GetReservation)
}

type depositRequest struct {
	UserID string          `json:"userId" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Deposit 入金，账户不存在时自动开户
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	acct, err := h.svc.Deposit(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		status := http.StatusInternalServerError
		if f, ok := domain.AsFailure(err); ok && !f.Retryable() {
			status = http.StatusConflict
		}
		response.ErrorWithStatus(c, status, "deposit failed", err.Error())
		return
	}
	response.Success(c, acct)
}

type grantRequest struct {
	UserID   string          `json:"userId" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Price    decimal.Decimal `json:"price"`
}

// GrantShares 发股入仓
func (h *Handler) GrantShares(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	hold, err := h.svc.GrantShares(c.Request.Context(), req.UserID, req.Symbol, req.Quantity, req.Price)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "grant failed", err.Error())
		return
	}
	response.Success(c, hold)
}

// GetAccount 查询资金账户
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.svc.GetAccount(c.Request.Context(), c.Param("userId"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to get account", err.Error())
		return
	}
	if acct == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "account not found", "")
		return
	}
	response.Success(c, acct)
}

// ListHoldings 查询用户持仓
func (h *Handler) ListHoldings(c *gin.Context) {
	holdings, err := h.svc.ListHoldings(c.Request.Context(), c.Param("userId"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to list holdings", err.Error())
		return
	}
	response.Success(c, holdings)
}

// ListTransactions 分页查询用户流水
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	logs, total, err := h.svc.ListTransactions(c.Request.Context(), c.Param("userId"), page, size)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to list transactions", err.Error())
		return
	}
	response.Success(c, gin.H{"total": total, "items": logs})
}

// GetReservation 按订单查询预留
func (h *Handler) GetReservation(c *gin.Context) {
	res, err := h.svc.GetReservation(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to get reservation", err.Error())
		return
	}
	if res == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "reservation not found", "")
		return
	}
	response.Success(c, res)
}
