package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrOrderNotFound 订单不存在或不属于请求方
	ErrOrderNotFound = errors.New("order: not found")
	// ErrNotCancellable 当前状态不允许用户撤单
	ErrNotCancellable = errors.New("order: not cancellable in current status")
	// ErrConcurrentModification 乐观锁更新失败，记录已被并发修改
	ErrConcurrentModification = errors.New("order: concurrent modification")
	// ErrPriceOutOfBand 限价偏离参考价超过允许区间
	ErrPriceOutOfBand = errors.New("order: price outside reference band")
)

// FieldError 单个字段的校验诊断
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 下单参数校验失败，带字段级诊断返回给调用方
type ValidationError struct {
	Fields []FieldError
}

// Add 追加一条字段诊断
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Empty 是否没有任何诊断
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "order: validation failed: " + strings.Join(parts, "; ")
}

// AsValidation 从错误链中提取校验错误
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsDuplicateKey MySQL 唯一键冲突。并发投递同一成交时用它识别插入竞速。
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

