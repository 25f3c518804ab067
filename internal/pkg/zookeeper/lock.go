// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/sankey_locks" // 所有分布式锁的根节点
)

// DistributedLock 基于临时顺序节点实现的分布式锁。
// 批量重试等多实例互斥的操作通过它保证单执行者。
type DistributedLock struct {
	conn     *Conn
	path     string // 锁的路径，例如 /sankey_locks/batch-retry-owner1
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	// 确保根节点和锁的父节点存在
	for _, p := range []string{lockRoot, lockRoot + "/" + resourceID} {
		if exists, _, err := conn.Exists(p); err == nil && !exists {
			if _, createErr := conn.Create(p, []byte(""), 0, zk.WorldACL(zk.PermAll)); createErr != nil && createErr != zk.ErrNodeExists {
				return nil, fmt.Errorf("failed to create lock node %s: %w", p, createErr)
			}
		}
	}

	return &DistributedLock{
		conn: conn,
		path: lockRoot + "/" + resourceID,
	}, nil
}

// Lock 尝试获取锁，获取不到时阻塞等待（带超时）
func (l *DistributedLock) Lock() error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		// 2. 获取锁路径下的所有子节点并排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Strings(children)

		// 3. 自己是最小节点即获得锁
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if myNodeName == children[0] {
			return nil
		}

		// 4. 否则监听前一个节点
		prevNodeIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevNodeIndex = i - 1
				break
			}
		}
		if prevNodeIndex < 0 {
			return errors.New("cannot find previous node, something is wrong")
		}
		prevNodePath := l.path + "/" + children[prevNodeIndex]

		_, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			// 前一个节点在检查时刚好被删除，重试循环
			if err == zk.ErrNoNode {
				continue
			}
			return fmt.Errorf("failed to watch previous node: %w", err)
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-time.After(30 * time.Second): // 超时保护，防止死等
			return errors.New("timeout waiting for lock")
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}
