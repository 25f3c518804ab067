// internal/service/license/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// 错误分类：业务规则错误是确定性的，直接返回给调用方，不重试；
// 存储层错误 (ErrStorageConflict 等) 是瞬时的，调用方可整体重做。
var (
	// ErrNotFound 表示引用的申请记录不存在
	ErrNotFound = errors.New("license application not found")

	// ErrDuplicateActiveLicense 表示同一 券商/账号/EA 组合已有未终结的申请
	ErrDuplicateActiveLicense = errors.New("an active license application already exists for this broker/account/EA")

	// ErrMalformedMessage 表示队列消息缺少必需的身份字段。
	// 结构性非法的消息重试多少次也不会成功，直接丢弃。
	ErrMalformedMessage = errors.New("queue message is missing required identity fields")

	// ErrStorageConflict 表示条件写因并发修改而失败，调用方可从头重做整个操作
	ErrStorageConflict = errors.New("conditional write failed due to concurrent modification")
)

// InvalidTransitionError 表示请求的状态迁移不在迁移图中
type InvalidTransitionError struct {
	From ApplicationStatus
	To   ApplicationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.From, e.To)
}

// InvalidStateError 表示操作作用在当前状态不支持的记录上
type InvalidStateError struct {
	Operation string
	Current   ApplicationStatus
	Required  ApplicationStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires status %q, current status is %q", e.Operation, e.Required, e.Current)
}

// RetryLimitExceededError 表示非强制重试超出 maxRetry。
// 携带当前计数和上限，调用方可据此决定是否改为强制重试。
type RetryLimitExceededError struct {
	Current int
	Limit   int
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("retry limit exceeded: failure count %d reached limit %d (use force to override)", e.Current, e.Limit)
}

// HistoryAuditError 表示状态迁移成功后历史记录写入失败。
// 迁移不会回滚：真实世界的动作 (例如邮件已发出) 无法撤销，
// 宁可留下审计缺口也不回退权威状态。调用方用 errors.As 区分。
type HistoryAuditError struct {
	Err error
}

func (e *HistoryAuditError) Error() string {
	return fmt.Sprintf("status transition succeeded but history recording failed: %v", e.Err)
}

func (e *HistoryAuditError) Unwrap() error { return e.Err }
