// Package http 撮合服务的 HTTP 查询接口
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/tradingcore/internal/matching/application"
	"github.com/wyfcoding/tradingcore/pkg/response"
)

// Handler 撮合查询接口
type Handler struct {
	svc *application.Service
}

// NewHandler 构造 HTTP handler
func NewHandler(svc *application.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1/matching")
	{
		api.GET("/orderbook/:symbol", h.GetOrderBook)
		api.GET("/trades/:symbol", h.GetLatestTrades)
		api.GET("/stats", h.GetStats)
	}
}

// GetOrderBook 查询订单簿快照
func (h *Handler) GetOrderBook(c *gin.Context) {
	symbol := c.Param("symbol")
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))

	snapshot, err := h.svc.Snapshot(c.Request.Context(), symbol, depth)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusServiceUnavailable, "failed to get order book", err.Error())
		return
	}
	response.Success(c, snapshot)
}

// GetLatestTrades 查询最近成交
func (h *Handler) GetLatestTrades(c *gin.Context) {
	symbol := c.Param("symbol")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	trades, err := h.svc.LatestTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, "failed to list trades", err.Error())
		return
	}
	response.Success(c, trades)
}

// GetStats 查询引擎运行状态
func (h *Handler) GetStats(c *gin.Context) {
	response.Success(c, h.svc.EngineStats())
}
