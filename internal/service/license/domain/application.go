// internal/service/license/domain/application.go
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Application 是一次 EA 授权申请的聚合根。
// ttl 仅在终态存在；failureCount 单调递增，重试成功也不清零。
type Application struct {
	OwnerID   string
	RecordKey string

	Broker        string
	AccountNumber string
	EAName        string
	Email         string

	Status    ApplicationStatus
	AppliedAt time.Time
	UpdatedAt time.Time

	NotificationScheduledAt *time.Time

	FailureCount      int
	LastFailureReason string
	LastFailedAt      *time.Time

	LicenseKey string
	ExpiryDate *time.Time

	TTL *int64
}

// NewApplicationInput 承载创建申请所需的字段
type NewApplicationInput struct {
	OwnerID       string
	Broker        string
	AccountNumber string
	EAName        string
	Email         string
	AppliedAt     time.Time // 零值时默认为当前时间
}

// NewApplication 是 Application 的工厂函数，初始状态固定为 Pending
func NewApplication(in NewApplicationInput, now time.Time) (*Application, error) {
	if in.OwnerID == "" || in.Broker == "" || in.AccountNumber == "" || in.EAName == "" {
		return nil, errors.New("cannot create application with empty required fields")
	}
	appliedAt := in.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = now
	}
	appliedAt = appliedAt.UTC()

	return &Application{
		OwnerID:       in.OwnerID,
		RecordKey:     BuildRecordKey(appliedAt, in.Broker, in.AccountNumber, in.EAName),
		Broker:        in.Broker,
		AccountNumber: in.AccountNumber,
		EAName:        in.EAName,
		Email:         in.Email,
		Status:        StatusPending,
		AppliedAt:     appliedAt,
		UpdatedAt:     now.UTC(),
	}, nil
}

// BuildRecordKey 由提交时间、券商、账号、EA 名派生组合键。
// 时间前缀保证同一 owner 下按提交顺序排序且全局唯一。
func BuildRecordKey(appliedAt time.Time, broker, accountNumber, eaName string) string {
	return strings.Join([]string{
		appliedAt.UTC().Format("20060102T150405Z"),
		sanitizeKeyPart(broker),
		sanitizeKeyPart(accountNumber),
		sanitizeKeyPart(eaName),
	}, "#")
}

// EncodeRecordKey 返回可安全放进 URL 路径的键表示
func EncodeRecordKey(recordKey string) string {
	return url.PathEscape(recordKey)
}

// sanitizeKeyPart 把键分隔符和空白压成下划线，保证键结构稳定
func sanitizeKeyPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '#', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}

// ApplyExtraField 把调用方附带的字段合并进聚合。
// status / updatedAt / ttl 是系统控制字段，这里刻意不可寻址。
func (a *Application) ApplyExtraField(field string, value interface{}) {
	switch field {
	case "licenseKey":
		if v, ok := value.(string); ok {
			a.LicenseKey = v
		}
	case "expiryDate":
		if v, ok := value.(time.Time); ok {
			v = v.UTC()
			a.ExpiryDate = &v
		}
	case "notificationScheduledAt":
		if v, ok := value.(time.Time); ok {
			v = v.UTC()
			a.NotificationScheduledAt = &v
		}
	case "failureCount":
		if v, ok := value.(int); ok {
			a.FailureCount = v
		}
	case "lastFailureReason":
		if v, ok := value.(string); ok {
			a.LastFailureReason = v
		}
	case "lastFailedAt":
		if v, ok := value.(time.Time); ok {
			v = v.UTC()
			a.LastFailedAt = &v
		}
	case "email":
		if v, ok := value.(string); ok {
			a.Email = v
		}
	}
}

// Target 返回券商+账号+EA 的组合描述，用于重复申请检测和日志
func (a *Application) Target() string {
	return fmt.Sprintf("%s/%s/%s", a.Broker, a.AccountNumber, a.EAName)
}
