// internal/service/license/domain/history.go
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryAction 是历史条目的动作类型。
// 除了系统事件之外，状态名本身也可以直接作为动作使用
// (例如 activate 组合操作会记录 action = "Active")。
type HistoryAction string

const (
	ActionCreated           HistoryAction = "Created"
	ActionUpdated           HistoryAction = "Updated"
	ActionSystemExpired     HistoryAction = "SystemExpired"
	ActionSystemUpdate      HistoryAction = "SystemUpdate"
	ActionLicenseGenerated  HistoryAction = "LicenseGenerated"
	ActionEmailSent         HistoryAction = "EmailSent"
	ActionEmailFailed       HistoryAction = "EmailFailed"
	ActionAdminAction       HistoryAction = "AdminAction"
	ActionRetryNotification HistoryAction = "RetryNotification"
)

// SystemActor 是系统自动操作在 changedBy 里使用的固定标识
const SystemActor = "system"

// HistoryEntry 是一条不可变的审计记录：只追加，从不更新或删除，
// 依赖 TTL 自然过期。ttl 规则与主记录一致，按自身 newStatus 独立计算。
type HistoryEntry struct {
	OwnerID   string
	SortKey   string
	RecordKey string

	Action    HistoryAction
	ChangedBy string
	ChangedAt time.Time

	PreviousStatus *ApplicationStatus
	NewStatus      *ApplicationStatus

	Reason       string
	ErrorDetails string
	RetryCount   *int

	TTL *int64
}

// NewHistoryEntry 创建历史条目并生成时间有序的排序键。
// 排序键以父记录键为前缀，时间戳 + 随机后缀保证排在父记录
// 以及同一申请先前所有条目之后。
func NewHistoryEntry(ownerID, recordKey string, action HistoryAction, changedBy string, changedAt time.Time) *HistoryEntry {
	changedAt = changedAt.UTC()
	return &HistoryEntry{
		OwnerID:   ownerID,
		RecordKey: recordKey,
		SortKey:   buildHistorySortKey(recordKey, changedAt),
		Action:    action,
		ChangedBy: changedBy,
		ChangedAt: changedAt,
	}
}

func buildHistorySortKey(recordKey string, changedAt time.Time) string {
	return fmt.Sprintf("%s#history#%s#%s",
		recordKey,
		changedAt.Format("20060102T150405.000000000Z"),
		uuid.New().String()[:8],
	)
}

// WithStatusChange 记录迁移前后的状态
func (e *HistoryEntry) WithStatusChange(from, to ApplicationStatus) *HistoryEntry {
	e.PreviousStatus = &from
	e.NewStatus = &to
	return e
}

// WithReason 附加业务原因
func (e *HistoryEntry) WithReason(reason string) *HistoryEntry {
	e.Reason = reason
	return e
}

// WithErrorDetails 附加失败诊断信息
func (e *HistoryEntry) WithErrorDetails(details string) *HistoryEntry {
	e.ErrorDetails = details
	return e
}

// WithRetryCount 附加重试计数
func (e *HistoryEntry) WithRetryCount(count int) *HistoryEntry {
	e.RetryCount = &count
	return e
}
