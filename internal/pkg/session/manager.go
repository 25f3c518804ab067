// internal/pkg/session/manager.go
package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionTTL = 24 * time.Hour

// Manager 用 Redis 维护 管理员 -> 网关节点 的会话映射，
// 多个告警网关实例共享，路由时据此定位连接所在节点。
type Manager struct {
	client *redis.Client
}

// NewManager 创建会话管理器
func NewManager(addr string) *Manager {
	return &Manager{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func sessionKey(adminID string) string {
	return "alert:session:" + adminID
}

// SetAdminGateway 记录管理员连接所在的网关节点
func (m *Manager) SetAdminGateway(ctx context.Context, adminID, nodeID string) error {
	return m.client.Set(ctx, sessionKey(adminID), nodeID, sessionTTL).Err()
}

// GetAdminGateway 查询管理员连接所在的网关节点
func (m *Manager) GetAdminGateway(ctx context.Context, adminID string) (string, error) {
	return m.client.Get(ctx, sessionKey(adminID)).Result()
}

// RemoveAdminGateway 连接断开时清理会话
func (m *Manager) RemoveAdminGateway(ctx context.Context, adminID string) error {
	return m.client.Del(ctx, sessionKey(adminID)).Err()
}

// Close 关闭底层 Redis 连接
func (m *Manager) Close() error {
	return m.client.Close()
}
