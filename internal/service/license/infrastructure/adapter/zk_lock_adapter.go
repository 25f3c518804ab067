// internal/service/license/infrastructure/adapter/zk_lock_adapter.go
package adapter

import (
	"sync"

	"sankey/internal/pkg/zookeeper"
)

// ZkLockAdapter 实现了 port.Locker 接口，
// 用 ZooKeeper 分布式锁保证批量操作在多实例部署下只有一个执行者。
type ZkLockAdapter struct {
	conn *zookeeper.Conn
}

// NewZkLockAdapter 创建分布式锁适配器
func NewZkLockAdapter(conn *zookeeper.Conn) *ZkLockAdapter {
	return &ZkLockAdapter{conn: conn}
}

// WithLock 在锁的保护下执行 fn
func (a *ZkLockAdapter) WithLock(resource string, fn func() error) error {
	lock, err := zookeeper.NewDistributedLock(a.conn, resource)
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// LocalLockAdapter 是 port.Locker 的进程内实现，
// 单实例部署或未配置 ZooKeeper 时使用。
type LocalLockAdapter struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLockAdapter 创建进程内锁适配器
func NewLocalLockAdapter() *LocalLockAdapter {
	return &LocalLockAdapter{locks: make(map[string]*sync.Mutex)}
}

// WithLock 在进程内互斥锁的保护下执行 fn
func (a *LocalLockAdapter) WithLock(resource string, fn func() error) error {
	a.mu.Lock()
	lock, ok := a.locks[resource]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[resource] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}
