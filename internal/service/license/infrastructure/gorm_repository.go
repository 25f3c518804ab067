// internal/service/license/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"sankey/internal/service/license/domain"
)

const mysqlDuplicateEntry = 1062

// GormApplicationRepository 是 ApplicationRepository 的 GORM 实现。
// 并发控制完全依赖条件写：UPDATE 带上期望的旧状态，
// RowsAffected 为 0 说明记录消失或状态已被并发修改。
type GormApplicationRepository struct {
	db *gorm.DB
}

// NewGormApplicationRepository 创建一个新的 GORM 仓储实例
func NewGormApplicationRepository(db *gorm.DB) *GormApplicationRepository {
	return &GormApplicationRepository{db: db}
}

// AutoMigrate 建表，启动时由组装层调用一次
func (r *GormApplicationRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&ApplicationModel{}, &HistoryModel{})
}

// Get 按复合主键查找
func (r *GormApplicationRepository) Get(ctx context.Context, ownerID, recordKey string) (*domain.Application, error) {
	var model ApplicationModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND record_key = ?", ownerID, recordKey).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "query application")
	}
	return ToDomainApplication(&model), nil
}

// Put 插入新记录，主键冲突映射为 ErrStorageConflict
func (r *GormApplicationRepository) Put(ctx context.Context, app *domain.Application) error {
	err := r.db.WithContext(ctx).Create(ToApplicationModel(app)).Error
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return domain.ErrStorageConflict
		}
		return errors.Wrap(err, "insert application")
	}
	return nil
}

// Update 条件写：仅当记录仍以 expectedStatus 存在时覆盖全部可变字段。
// 用 map 而不是结构体更新，NULL 值 (被清掉的 ttl 等) 才能真正写进去。
func (r *GormApplicationRepository) Update(ctx context.Context, app *domain.Application, expectedStatus domain.ApplicationStatus) error {
	model := ToApplicationModel(app)
	updates := map[string]interface{}{
		"email":                     model.Email,
		"status":                    model.Status,
		"updated_at":                model.UpdatedAt,
		"notification_scheduled_at": model.NotificationScheduledAt,
		"failure_count":             model.FailureCount,
		"last_failure_reason":       model.LastFailureReason,
		"last_failed_at":            model.LastFailedAt,
		"license_key":               model.LicenseKey,
		"expiry_date":               model.ExpiryDate,
		"ttl":                       model.TTL,
	}

	result := r.db.WithContext(ctx).Model(&ApplicationModel{}).
		Where("owner_id = ? AND record_key = ? AND status = ?", app.OwnerID, app.RecordKey, string(expectedStatus)).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "conditional update")
	}
	if result.RowsAffected == 0 {
		// 区分记录消失和状态被并发修改
		var count int64
		if err := r.db.WithContext(ctx).Model(&ApplicationModel{}).
			Where("owner_id = ? AND record_key = ?", app.OwnerID, app.RecordKey).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "probe after failed conditional update")
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrStorageConflict
	}
	return nil
}

// FindActiveConflict 查找同一 券商/账号/EA 组合下未终结的投递中/已生效申请
func (r *GormApplicationRepository) FindActiveConflict(ctx context.Context, broker, accountNumber, eaName string) (*domain.Application, error) {
	var model ApplicationModel
	err := r.db.WithContext(ctx).
		Where("broker = ? AND account_number = ? AND ea_name = ?", broker, accountNumber, eaName).
		Where("status IN ?", []string{string(domain.StatusActive), string(domain.StatusAwaitingNotification)}).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "query active conflict")
	}
	return ToDomainApplication(&model), nil
}

// QueryByStatus 按 owner + 状态查询，record_key 升序即提交时间升序
func (r *GormApplicationRepository) QueryByStatus(ctx context.Context, ownerID string, status domain.ApplicationStatus) ([]*domain.Application, error) {
	var models []ApplicationModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, string(status)).
		Order("record_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "query by status")
	}
	return toDomainApplications(models), nil
}

// QueryByStatusGlobal 跨 owner 按状态查询
func (r *GormApplicationRepository) QueryByStatusGlobal(ctx context.Context, status domain.ApplicationStatus) ([]*domain.Application, error) {
	var models []ApplicationModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("owner_id ASC, record_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "query by status globally")
	}
	return toDomainApplications(models), nil
}

// AppendHistory 追加一条历史记录，排序键带随机后缀，冲突视为存储异常
func (r *GormApplicationRepository) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	if err := r.db.WithContext(ctx).Create(ToHistoryModel(entry)).Error; err != nil {
		return errors.Wrap(err, "append history")
	}
	return nil
}

// QueryHistory 返回某申请的全部历史。
// 排序键内嵌纳秒时间戳，按它倒序即时间新到旧。
func (r *GormApplicationRepository) QueryHistory(ctx context.Context, ownerID, recordKey string) ([]*domain.HistoryEntry, error) {
	var models []HistoryModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND record_key = ?", ownerID, recordKey).
		Order("sort_key DESC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	entries := make([]*domain.HistoryEntry, 0, len(models))
	for i := range models {
		entries = append(entries, ToDomainHistoryEntry(&models[i]))
	}
	return entries, nil
}

// UpdateHistoryEntryTTL 重盖单条历史记录的 ttl。
// 这是历史表唯一允许的更新，审计字段永不修改。
func (r *GormApplicationRepository) UpdateHistoryEntryTTL(ctx context.Context, ownerID, sortKey string, ttl int64) error {
	result := r.db.WithContext(ctx).Model(&HistoryModel{}).
		Where("owner_id = ? AND sort_key = ?", ownerID, sortKey).
		Update("ttl", ttl)
	if result.Error != nil {
		return errors.Wrap(result.Error, "update history ttl")
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toDomainApplications(models []ApplicationModel) []*domain.Application {
	apps := make([]*domain.Application, 0, len(models))
	for i := range models {
		apps = append(apps, ToDomainApplication(&models[i]))
	}
	return apps
}
