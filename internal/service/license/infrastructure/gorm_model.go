// internal/service/license/infrastructure/gorm_model.go
package infrastructure

import (
	"database/sql"
	"time"
)

// ApplicationModel 对应数据库中的 license_applications 表。
// owner_id + record_key 是复合主键；record_key 以提交时间为前缀，
// 同一 owner 下天然按提交顺序排序。
type ApplicationModel struct {
	OwnerID   string `gorm:"primaryKey;size:64"`
	RecordKey string `gorm:"primaryKey;size:191"`

	Broker        string `gorm:"size:128;index:idx_target,priority:1"`
	AccountNumber string `gorm:"size:64;index:idx_target,priority:2"`
	EAName        string `gorm:"size:128;index:idx_target,priority:3"`
	Email         string `gorm:"size:255"`

	Status    string `gorm:"size:32;index:idx_status"`
	AppliedAt time.Time
	UpdatedAt time.Time

	NotificationScheduledAt sql.NullTime

	FailureCount      int            `gorm:"default:0"`
	LastFailureReason sql.NullString `gorm:"type:text"`
	LastFailedAt      sql.NullTime

	LicenseKey sql.NullString `gorm:"type:text"`
	ExpiryDate sql.NullTime

	// 终态记录的过期时间 (epoch 秒)，非终态时为 NULL。
	// 清理任务按它删除到期记录，语义等同键值存储的原生 TTL。
	TTL sql.NullInt64 `gorm:"column:ttl;index:idx_ttl"`
}

// TableName 指定 GORM 应该使用的表名
func (ApplicationModel) TableName() string {
	return "license_applications"
}

// HistoryModel 对应数据库中的 license_application_history 表。
// 只追加，从不更新业务字段；唯一允许的修改是重盖 ttl。
type HistoryModel struct {
	OwnerID string `gorm:"primaryKey;size:64"`
	SortKey string `gorm:"primaryKey;size:255"`

	RecordKey string `gorm:"size:191;index:idx_history_record"`

	Action    string `gorm:"size:32"`
	ChangedBy string `gorm:"size:64"`
	ChangedAt time.Time

	PreviousStatus sql.NullString `gorm:"size:32"`
	NewStatus      sql.NullString `gorm:"size:32"`

	Reason       sql.NullString `gorm:"type:text"`
	ErrorDetails sql.NullString `gorm:"type:text"`
	RetryCount   sql.NullInt64

	TTL sql.NullInt64 `gorm:"column:ttl;index:idx_history_ttl"`
}

// TableName 指定 GORM 应该使用的表名
func (HistoryModel) TableName() string {
	return "license_application_history"
}
