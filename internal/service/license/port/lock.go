// internal/service/license/port/lock.go
package port

// Locker 是批量操作的互斥端口。
// 生产实现基于 ZooKeeper 分布式锁，保证同一资源的批量重试
// 在多实例部署下也只有一个执行者。
type Locker interface {
	WithLock(resource string, fn func() error) error
}

// EscalationRule 判断一次失败事实是否需要升级告警
type EscalationRule interface {
	Evaluate(fact EscalationFact) (bool, error)
}

// EscalationFact 是规则引擎的输入事实
type EscalationFact struct {
	OwnerID      string
	RecordKey    string
	FailureCount int
	MaxRetry     int
	Reason       string
}
