// internal/service/license/domain/repository.go
package domain

import "context"

// ApplicationRepository 定义了申请聚合的持久化接口。
// 它位于领域层，由基础设施层实现。
//
// 并发模型：每个申请由单一主键定位，存储层的条件写是唯一的并发边界，
// 进程内不加锁。所有写操作都必须带条件语义，避免悄悄复活已删除的记录
// 或覆盖并发的未见修改。
type ApplicationRepository interface {
	// Get 按 owner + recordKey 查找，不存在时返回 ErrNotFound
	Get(ctx context.Context, ownerID, recordKey string) (*Application, error)

	// Put 插入新记录，主键已存在时返回 ErrStorageConflict
	Put(ctx context.Context, app *Application) error

	// Update 条件写：仅当记录仍以 expectedStatus 存在时覆盖。
	// 记录消失返回 ErrNotFound，状态已被并发修改返回 ErrStorageConflict。
	Update(ctx context.Context, app *Application, expectedStatus ApplicationStatus) error

	// FindActiveConflict 查找同一 券商/账号/EA 组合下状态为
	// Active 或 AwaitingNotification 的记录，没有时返回 (nil, nil)
	FindActiveConflict(ctx context.Context, broker, accountNumber, eaName string) (*Application, error)

	// QueryByStatus 按 owner + 状态二级索引查询，批量/报表操作用
	QueryByStatus(ctx context.Context, ownerID string, status ApplicationStatus) ([]*Application, error)

	// QueryByStatusGlobal 跨 owner 按状态查询（特权操作）
	QueryByStatusGlobal(ctx context.Context, status ApplicationStatus) ([]*Application, error)

	// AppendHistory 追加一条历史记录
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// QueryHistory 返回某申请的全部历史，按时间新到旧排序
	QueryHistory(ctx context.Context, ownerID, recordKey string) ([]*HistoryEntry, error)

	// UpdateHistoryEntryTTL 重新给单条历史记录盖 TTL，
	// 终态迁移后的历史 TTL 扇出逐条调用它
	UpdateHistoryEntryTTL(ctx context.Context, ownerID, sortKey string, ttl int64) error
}
