// internal/service/license/infrastructure/mapper.go
package infrastructure

import (
	"database/sql"
	"time"

	"sankey/internal/service/license/domain"
)

// ToApplicationModel 把领域聚合转换为数据库模型
func ToApplicationModel(app *domain.Application) *ApplicationModel {
	return &ApplicationModel{
		OwnerID:                 app.OwnerID,
		RecordKey:               app.RecordKey,
		Broker:                  app.Broker,
		AccountNumber:           app.AccountNumber,
		EAName:                  app.EAName,
		Email:                   app.Email,
		Status:                  string(app.Status),
		AppliedAt:               app.AppliedAt,
		UpdatedAt:               app.UpdatedAt,
		NotificationScheduledAt: toNullTime(app.NotificationScheduledAt),
		FailureCount:            app.FailureCount,
		LastFailureReason:       toNullString(app.LastFailureReason),
		LastFailedAt:            toNullTime(app.LastFailedAt),
		LicenseKey:              toNullString(app.LicenseKey),
		ExpiryDate:              toNullTime(app.ExpiryDate),
		TTL:                     toNullInt64(app.TTL),
	}
}

// ToDomainApplication 把数据库模型转换为领域聚合
func ToDomainApplication(m *ApplicationModel) *domain.Application {
	return &domain.Application{
		OwnerID:                 m.OwnerID,
		RecordKey:               m.RecordKey,
		Broker:                  m.Broker,
		AccountNumber:           m.AccountNumber,
		EAName:                  m.EAName,
		Email:                   m.Email,
		Status:                  domain.ApplicationStatus(m.Status),
		AppliedAt:               m.AppliedAt.UTC(),
		UpdatedAt:               m.UpdatedAt.UTC(),
		NotificationScheduledAt: fromNullTime(m.NotificationScheduledAt),
		FailureCount:            m.FailureCount,
		LastFailureReason:       m.LastFailureReason.String,
		LastFailedAt:            fromNullTime(m.LastFailedAt),
		LicenseKey:              m.LicenseKey.String,
		ExpiryDate:              fromNullTime(m.ExpiryDate),
		TTL:                     fromNullInt64(m.TTL),
	}
}

// ToHistoryModel 把历史条目转换为数据库模型
func ToHistoryModel(e *domain.HistoryEntry) *HistoryModel {
	return &HistoryModel{
		OwnerID:        e.OwnerID,
		SortKey:        e.SortKey,
		RecordKey:      e.RecordKey,
		Action:         string(e.Action),
		ChangedBy:      e.ChangedBy,
		ChangedAt:      e.ChangedAt,
		PreviousStatus: toNullStatus(e.PreviousStatus),
		NewStatus:      toNullStatus(e.NewStatus),
		Reason:         toNullString(e.Reason),
		ErrorDetails:   toNullString(e.ErrorDetails),
		RetryCount:     toNullInt(e.RetryCount),
		TTL:            toNullInt64(e.TTL),
	}
}

// ToDomainHistoryEntry 把数据库模型转换为历史条目
func ToDomainHistoryEntry(m *HistoryModel) *domain.HistoryEntry {
	return &domain.HistoryEntry{
		OwnerID:        m.OwnerID,
		SortKey:        m.SortKey,
		RecordKey:      m.RecordKey,
		Action:         domain.HistoryAction(m.Action),
		ChangedBy:      m.ChangedBy,
		ChangedAt:      m.ChangedAt.UTC(),
		PreviousStatus: fromNullStatus(m.PreviousStatus),
		NewStatus:      fromNullStatus(m.NewStatus),
		Reason:         m.Reason.String,
		ErrorDetails:   m.ErrorDetails.String,
		RetryCount:     fromNullInt(m.RetryCount),
		TTL:            fromNullInt64(m.TTL),
	}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func toNullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func toNullStatus(s *domain.ApplicationStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func fromNullStatus(s sql.NullString) *domain.ApplicationStatus {
	if !s.Valid {
		return nil
	}
	v := domain.ApplicationStatus(s.String)
	return &v
}
