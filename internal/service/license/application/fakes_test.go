// internal/service/license/application/fakes_test.go
package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/port"
)

// fakeRepo 是 ApplicationRepository 的内存实现，
// 条件写语义与生产实现一致，便于验证并发边界上的行为。
type fakeRepo struct {
	mu      sync.Mutex
	apps    map[string]*domain.Application
	history []*domain.HistoryEntry

	failGet     error
	failUpdate  error
	failHistory error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{apps: make(map[string]*domain.Application)}
}

func repoKey(ownerID, recordKey string) string { return ownerID + "|" + recordKey }

func cloneApp(app *domain.Application) *domain.Application {
	c := *app
	return &c
}

func (r *fakeRepo) Get(ctx context.Context, ownerID, recordKey string) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet != nil {
		return nil, r.failGet
	}
	app, ok := r.apps[repoKey(ownerID, recordKey)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneApp(app), nil
}

func (r *fakeRepo) Put(ctx context.Context, app *domain.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repoKey(app.OwnerID, app.RecordKey)
	if _, exists := r.apps[key]; exists {
		return domain.ErrStorageConflict
	}
	r.apps[key] = cloneApp(app)
	return nil
}

func (r *fakeRepo) Update(ctx context.Context, app *domain.Application, expectedStatus domain.ApplicationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	key := repoKey(app.OwnerID, app.RecordKey)
	current, ok := r.apps[key]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != expectedStatus {
		return domain.ErrStorageConflict
	}
	r.apps[key] = cloneApp(app)
	return nil
}

func (r *fakeRepo) FindActiveConflict(ctx context.Context, broker, accountNumber, eaName string) (*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range r.apps {
		if app.Broker != broker || app.AccountNumber != accountNumber || app.EAName != eaName {
			continue
		}
		if app.Status == domain.StatusActive || app.Status == domain.StatusAwaitingNotification {
			return cloneApp(app), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) QueryByStatus(ctx context.Context, ownerID string, status domain.ApplicationStatus) ([]*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Application
	for _, app := range r.apps {
		if app.OwnerID == ownerID && app.Status == status {
			out = append(out, cloneApp(app))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordKey < out[j].RecordKey })
	return out, nil
}

func (r *fakeRepo) QueryByStatusGlobal(ctx context.Context, status domain.ApplicationStatus) ([]*domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Application
	for _, app := range r.apps {
		if app.Status == status {
			out = append(out, cloneApp(app))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordKey < out[j].RecordKey })
	return out, nil
}

func (r *fakeRepo) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failHistory != nil {
		return r.failHistory
	}
	c := *entry
	r.history = append(r.history, &c)
	return nil
}

func (r *fakeRepo) QueryHistory(ctx context.Context, ownerID, recordKey string) ([]*domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// 追加顺序即时间顺序，倒序返回满足"新到旧"的契约；
	// 不按排序键排序是因为测试时钟固定，同秒条目的随机后缀会抖动
	var out []*domain.HistoryEntry
	for i := len(r.history) - 1; i >= 0; i-- {
		e := r.history[i]
		if e.OwnerID == ownerID && e.RecordKey == recordKey {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateHistoryEntryTTL(ctx context.Context, ownerID, sortKey string, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.history {
		if e.OwnerID == ownerID && e.SortKey == sortKey {
			v := ttl
			e.TTL = &v
			return nil
		}
	}
	return domain.ErrNotFound
}

// mustGet 直接读内存状态，绕过错误注入
func (r *fakeRepo) mustGet(ownerID, recordKey string) *domain.Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneApp(r.apps[repoKey(ownerID, recordKey)])
}

// sentMessage 记录一次队列发送
type sentMessage struct {
	msg        domain.NotificationMessage
	delay      time.Duration
	attributes map[string]string
}

type fakeQueue struct {
	mu            sync.Mutex
	sent          []sentMessage
	failSend      error
	failSendAfter int // >0 时前 N 次发送成功，之后返回 failSend
}

func (q *fakeQueue) Send(ctx context.Context, msg domain.NotificationMessage, delay time.Duration, attributes map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failSend != nil && len(q.sent) >= q.failSendAfter {
		return q.failSend
	}
	q.sent = append(q.sent, sentMessage{msg: msg, delay: delay, attributes: attributes})
	return nil
}

type fakeLocker struct {
	mu        sync.Mutex
	resources []string
}

func (l *fakeLocker) WithLock(resource string, fn func() error) error {
	l.mu.Lock()
	l.resources = append(l.resources, resource)
	l.mu.Unlock()
	return fn()
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string // record keys
	expiries []time.Time
	failSend error
}

func (m *fakeMailer) SendLicenseMail(ctx context.Context, app *domain.Application, licenseKey string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend != nil {
		return m.failSend
	}
	m.sent = append(m.sent, app.RecordKey)
	m.expiries = append(m.expiries, expiry)
	return nil
}

type fakePublisher struct {
	mu          sync.Mutex
	alerts      []domain.EscalationAlert
	failPublish error
}

func (p *fakePublisher) Publish(ctx context.Context, alert domain.EscalationAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPublish != nil {
		return p.failPublish
	}
	p.alerts = append(p.alerts, alert)
	return nil
}

type thresholdRule struct{}

// Evaluate 实现默认的 failureCount >= maxRetry 语义
func (thresholdRule) Evaluate(fact port.EscalationFact) (bool, error) {
	return fact.FailureCount >= fact.MaxRetry, nil
}
