// Package http 订单服务的 HTTP 接口：下单、撤单与订单查询
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/order/application"
	"github.com/wyfcoding/tradingcore/internal/order/domain"
	"github.com/wyfcoding/tradingcore/pkg/response"
)

// Handler 订单接口
type Handler struct {
	svc *application.Service
}

// NewHandler 构造 HTTP handler
func NewHandler(svc *application.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/orders")
	{
		api.POST("", h.CreateOrder)
		api.POST("/:orderId/cancel", h.CancelOrder)
		api.GET("/:orderId", h.GetOrder)
		api.GET("", h.ListOrders)
	}
}

type createOrderRequest struct {
	UserID   string          `json:"userId" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Side     string          `json:"side" binding:"required"`
	Type     string          `json:"type" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// CreateOrder 受理下单。字段校验失败逐项返回，
// 限价偏离参考价过多按业务拒绝处理。
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	order, err := h.svc.CreateOrder(c.Request.Context(), application.CreateOrderCommand{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		if ve, ok := domain.AsValidation(err); ok {
			c.JSON(http.StatusBadRequest, response.Body{
				Code:    http.StatusBadRequest,
				Message: "invalid order",
				Data:    gin.H{"errors": ve.Fields},
			})
			return
		}
		if errors.Is(err, domain.ErrPriceOutOfBand) {
			response.ErrorWithStatus(c, http.StatusBadRequest, "price out of band", err.Error())
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, "create order failed", err.Error())
		return
	}
	response.Success(c, order)
}

type cancelOrderRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// CancelOrder 用户撤单
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	order, err := h.svc.CancelOrder(c.Request.Context(), c.Param("orderId"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			response.ErrorWithStatus(c, http.StatusNotFound, "order not found", "")
		case errors.Is(err, domain.ErrNotCancellable):
			response.ErrorWithStatus(c, http.StatusConflict, "order not cancellable", err.Error())
		case errors.Is(err, domain.ErrConcurrentModification):
			response.ErrorWithStatus(c, http.StatusConflict, "order modified concurrently", err.Error())
		default:
			response.ErrorWithStatus(c, http.StatusInternalServerError, "cancel order failed", err.Error())
		}
		return
	}
	response.Success(c, order)
}

// GetOrder 查询订单及名下成交
func (h *Handler) GetOrder(c *gin.Context) {
	orderID := c.Param("orderId")
	order, err := h.svc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to get order", err.Error())
		return
	}
	if order == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "order not found", "")
		return
	}
	fills, err := h.svc.ListFills(c.Request.Context(), orderID)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to list fills", err.Error())
		return
	}
	response.Success(c, gin.H{"order": order, "fills": fills})
}

// ListOrders 分页查询用户订单，可按状态过滤
func (h *Handler) ListOrders(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "userId is required", "")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	status := domain.Status(c.Query("status"))

	orders, total, err := h.svc.ListUserOrders(c.Request.Context(), userID, status, page, size)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to list orders", err.Error())
		return
	}
	response.Success(c, gin.H{"total": total, "items": orders})
}
