// internal/service/license/application/dto.go
package application

import (
	"time"

	"sankey/internal/service/license/domain"
)

// CreateApplicationRequest 是接口层提交新申请的载荷
type CreateApplicationRequest struct {
	OwnerID       string `json:"ownerId"`
	Broker        string `json:"broker"`
	AccountNumber string `json:"accountNumber"`
	EAName        string `json:"eaName"`
	Email         string `json:"email"`
}

// ApplicationView 是对外暴露的申请视图
type ApplicationView struct {
	OwnerID       string `json:"ownerId"`
	RecordKey     string `json:"recordKey"`
	Broker        string `json:"broker"`
	AccountNumber string `json:"accountNumber"`
	EAName        string `json:"eaName"`
	Email         string `json:"email,omitempty"`

	Status    string    `json:"status"`
	AppliedAt time.Time `json:"appliedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	NotificationScheduledAt *time.Time `json:"notificationScheduledAt,omitempty"`

	FailureCount      int        `json:"failureCount"`
	LastFailureReason string     `json:"lastFailureReason,omitempty"`
	LastFailedAt      *time.Time `json:"lastFailedAt,omitempty"`

	LicenseKey string     `json:"licenseKey,omitempty"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`

	TTL *int64 `json:"ttl,omitempty"`
}

// NewApplicationView 把领域聚合转成视图
func NewApplicationView(app *domain.Application) ApplicationView {
	return ApplicationView{
		OwnerID:                 app.OwnerID,
		RecordKey:               app.RecordKey,
		Broker:                  app.Broker,
		AccountNumber:           app.AccountNumber,
		EAName:                  app.EAName,
		Email:                   app.Email,
		Status:                  string(app.Status),
		AppliedAt:               app.AppliedAt,
		UpdatedAt:               app.UpdatedAt,
		NotificationScheduledAt: app.NotificationScheduledAt,
		FailureCount:            app.FailureCount,
		LastFailureReason:       app.LastFailureReason,
		LastFailedAt:            app.LastFailedAt,
		LicenseKey:              app.LicenseKey,
		ExpiryDate:              app.ExpiryDate,
		TTL:                     app.TTL,
	}
}

// HistoryView 是对外暴露的历史条目视图
type HistoryView struct {
	SortKey      string    `json:"sortKey"`
	Action       string    `json:"action"`
	ChangedBy    string    `json:"changedBy"`
	ChangedAt    time.Time `json:"changedAt"`
	PrevStatus   string    `json:"previousStatus,omitempty"`
	NewStatus    string    `json:"newStatus,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
	RetryCount   *int      `json:"retryCount,omitempty"`
	TTL          *int64    `json:"ttl,omitempty"`
}

// NewHistoryView 把历史条目转成视图
func NewHistoryView(entry *domain.HistoryEntry) HistoryView {
	v := HistoryView{
		SortKey:      entry.SortKey,
		Action:       string(entry.Action),
		ChangedBy:    entry.ChangedBy,
		ChangedAt:    entry.ChangedAt,
		Reason:       entry.Reason,
		ErrorDetails: entry.ErrorDetails,
		RetryCount:   entry.RetryCount,
		TTL:          entry.TTL,
	}
	if entry.PreviousStatus != nil {
		v.PrevStatus = string(*entry.PreviousStatus)
	}
	if entry.NewStatus != nil {
		v.NewStatus = string(*entry.NewStatus)
	}
	return v
}
