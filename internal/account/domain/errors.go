package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// FailureKind 结算失败类别
type FailureKind string

const (
	// 业务性失败，重试没有意义
	FailureInsufficientBalance  FailureKind = "INSUFFICIENT_BALANCE"
	FailureInsufficientShares   FailureKind = "INSUFFICIENT_SHARES"
	FailureReservationNotFound  FailureKind = "RESERVATION_NOT_FOUND"
	FailureDuplicateReservation FailureKind = "DUPLICATE_RESERVATION"

	// 技术性失败，退避后可重试
	FailureLockTimeout            FailureKind = "LOCK_TIMEOUT"
	FailureConcurrentModification FailureKind = "CONCURRENT_MODIFICATION"
)

// Failure 账户操作失败。以返回值而非 panic 传递，
// Kind 决定调用方是补偿还是重试。
type Failure struct {
	Kind FailureKind
	Msg  string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Retryable 技术性失败可重试，业务性失败直接进入补偿
func (f *Failure) Retryable() bool {
	return f.Kind == FailureLockTimeout || f.Kind == FailureConcurrentModification
}

// NewFailure 构造失败
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// AsFailure 提取错误链中的 Failure
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// MySQL 错误码
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// ClassifyDBError 将数据库错误归入失败类别。
// 锁等待超时与死锁可重试，唯一键冲突按重复预留处理。
func ClassifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout:
			return NewFailure(FailureLockTimeout, "lock wait timeout: %v", err)
		case mysqlErrDeadlock:
			return NewFailure(FailureConcurrentModification, "deadlock detected: %v", err)
		case mysqlErrDuplicateEntry:
			return NewFailure(FailureDuplicateReservation, "duplicate entry: %v", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(FailureLockTimeout, "lock acquisition timed out: %v", err)
	}
	return err
}
