// Package contextx 提供跨层传递事务句柄与链路追踪信息的 context 工具
package contextx

import (
	"context"

	"gorm.io/gorm"
)

type ctxKey int

const (
	txKey ctxKey = iota
	traceIDKey
)

// WithTx 将 GORM 事务句柄注入 context，供仓储层复用同一事务
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetTx 取出 context 中的事务句柄，不存在时返回 nil
func GetTx(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return tx
	}
	return nil
}

// WithTraceID 将 trace_id 注入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 取出 context 中的 trace_id，不存在时返回空串
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
