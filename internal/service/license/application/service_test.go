// internal/service/license/application/service_test.go
package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"sankey/internal/service/license/domain"
)

var testNow = time.Date(2035, time.June, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		RetentionMonths:       6,
		MaxRetryCount:         3,
		RequeueDelay:          300 * time.Second,
		LicenseValidityMonths: 12,
	}
}

func newTestService(repo *fakeRepo, queue *fakeQueue) *ApplicationService {
	return NewApplicationService(repo, queue, testPolicy(), otel.Tracer("test")).
		WithClock(func() time.Time { return testNow })
}

func createPending(t *testing.T, svc *ApplicationService) *domain.Application {
	t.Helper()
	app, err := svc.Create(context.Background(), domain.NewApplicationInput{
		OwnerID:       "owner-1",
		Broker:        "IC Markets",
		AccountNumber: "880123",
		EAName:        "TrendRider",
		Email:         "trader@example.com",
	})
	require.NoError(t, err)
	return app
}

func TestCreate_HappyPath(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})

	app := createPending(t, svc)

	assert.Equal(t, domain.StatusPending, app.Status)
	assert.Nil(t, app.TTL)

	stored := repo.mustGet("owner-1", app.RecordKey)
	assert.Equal(t, domain.StatusPending, stored.Status)

	history, err := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionCreated, history[0].Action)
}

func TestCreate_DuplicateActiveLicenseRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})

	app := createPending(t, svc)
	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusAwaitingNotification)
	require.NoError(t, err)

	// 同一 券商/账号/EA 组合，即使 owner 不同也要拒绝
	_, err = svc.Create(context.Background(), domain.NewApplicationInput{
		OwnerID:       "owner-2",
		Broker:        "IC Markets",
		AccountNumber: "880123",
		EAName:        "TrendRider",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveLicense)
}

func TestCreate_TerminalDuplicateAllowed(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})

	app := createPending(t, svc)
	_, err := svc.Reject(context.Background(), "owner-1", app.RecordKey, "admin-1", "")
	require.NoError(t, err)

	// 旧申请已终结，新申请放行
	_, err = svc.Create(context.Background(), domain.NewApplicationInput{
		OwnerID:       "owner-1",
		Broker:        "IC Markets",
		AccountNumber: "880123",
		EAName:        "TrendRider",
	})
	assert.NoError(t, err)
}

func TestTransition_InvalidEdgeRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusActive)

	var invalidErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, domain.StatusPending, invalidErr.From)
	assert.Equal(t, domain.StatusActive, invalidErr.To)

	// 失败的迁移不得留下任何痕迹
	assert.Equal(t, domain.StatusPending, repo.mustGet("owner-1", app.RecordKey).Status)
}

func TestTransition_UnknownStatusRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, "Bogus")
	assert.Error(t, err)

	_, _, err = svc.Transition(context.Background(), "owner-1", app.RecordKey, "Bogus", WithGraphBypass())
	assert.Error(t, err, "graph bypass must not allow unknown statuses")
}

func TestTransition_NotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeQueue{})
	_, _, err := svc.Transition(context.Background(), "owner-1", "missing", domain.StatusApprove)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransition_StorageConflictPropagated(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	repo.failUpdate = domain.ErrStorageConflict
	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusApprove)
	assert.ErrorIs(t, err, domain.ErrStorageConflict)
}

func TestTransition_TerminalSetsTTL(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	updated, err := svc.Cancel(context.Background(), "owner-1", app.RecordKey, "owner-1", "changed my mind")
	require.NoError(t, err)

	require.NotNil(t, updated.TTL)
	assert.Equal(t, domain.ComputeExpiry(testNow, 6), *updated.TTL)
	assert.Equal(t, domain.StatusCancelled, updated.Status)
}

func TestTransition_HistoryRecordsPreviousStatus(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, err := svc.Cancel(context.Background(), "owner-1", app.RecordKey, "owner-1", "")
	require.NoError(t, err)

	history, err := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	require.NoError(t, err)
	require.Len(t, history, 2) // Created + Cancel

	latest := history[0]
	require.NotNil(t, latest.PreviousStatus)
	require.NotNil(t, latest.NewStatus)
	assert.Equal(t, domain.StatusPending, *latest.PreviousStatus)
	assert.Equal(t, domain.StatusCancelled, *latest.NewStatus)
}

func TestTransition_TerminalSyncsHistoryTTL(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, err := svc.Approve(context.Background(), "owner-1", app.RecordKey, "admin-1")
	require.NoError(t, err)
	updated, err := svc.AdminCorrectStatus(context.Background(), "owner-1", app.RecordKey, domain.StatusCancelled, "admin-1", "cleanup")
	require.NoError(t, err)
	require.NotNil(t, updated.TTL)

	history, err := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, entry := range history {
		require.NotNil(t, entry.TTL, "entry %s must carry the terminal TTL", entry.Action)
		assert.Equal(t, *updated.TTL, *entry.TTL)
	}
}

func TestTransition_HistoryFailureDoesNotRollback(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	repo.failHistory = errors.New("history table unavailable")
	updated, err := svc.Approve(context.Background(), "owner-1", app.RecordKey, "admin-1")

	var auditErr *domain.HistoryAuditError
	require.ErrorAs(t, err, &auditErr)
	require.NotNil(t, updated)
	assert.Equal(t, domain.StatusApprove, updated.Status)
	// 权威状态不回滚
	assert.Equal(t, domain.StatusApprove, repo.mustGet("owner-1", app.RecordKey).Status)
}

func TestEnqueueNotification_SendsMessage(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := newTestService(repo, queue)
	app := createPending(t, svc)

	_, err := svc.Approve(context.Background(), "owner-1", app.RecordKey, "admin-1")
	require.NoError(t, err)
	updated, err := svc.EnqueueNotification(context.Background(), "owner-1", app.RecordKey, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAwaitingNotification, updated.Status)
	require.Len(t, queue.sent, 1)
	assert.Equal(t, app.RecordKey, queue.sent[0].msg.RecordKey)
	assert.Equal(t, time.Duration(0), queue.sent[0].delay)
}

func TestEnqueueNotification_SendFailureLeavesStatusCommitted(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{failSend: errors.New("broker down")}
	svc := newTestService(repo, queue)
	app := createPending(t, svc)

	_, err := svc.EnqueueNotification(context.Background(), "owner-1", app.RecordKey, "admin-1")
	require.Error(t, err)

	// 先落状态再发消息：发送失败时状态已前移，由重试链路兜底
	assert.Equal(t, domain.StatusAwaitingNotification, repo.mustGet("owner-1", app.RecordKey).Status)
}

func TestActivateWithLicense(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusAwaitingNotification)
	require.NoError(t, err)

	expiry := testNow.AddDate(1, 0, 0)
	updated, err := svc.ActivateWithLicense(context.Background(), "owner-1", app.RecordKey, "key-abc", expiry, domain.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Equal(t, "key-abc", updated.LicenseKey)
	require.NotNil(t, updated.ExpiryDate)
	assert.Equal(t, expiry, *updated.ExpiryDate)
	assert.Nil(t, updated.TTL, "Active is not terminal")

	history, _ := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	assert.Equal(t, domain.HistoryAction(domain.StatusActive), history[0].Action)
}

func TestAdminCorrectStatus_BypassesGraphAndClearsTTL(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	cancelled, err := svc.Cancel(context.Background(), "owner-1", app.RecordKey, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, cancelled.TTL)

	// 正常迁移图出不了终态，人工纠错可以
	restored, err := svc.AdminCorrectStatus(context.Background(), "owner-1", app.RecordKey, domain.StatusPending, "admin-1", "cancelled by mistake")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, restored.Status)
	assert.Nil(t, restored.TTL, "leaving a terminal state must clear the TTL")

	history, _ := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	assert.Equal(t, domain.ActionAdminAction, history[0].Action)
}

func TestExpireDueLicenses(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusAwaitingNotification)
	require.NoError(t, err)
	_, err = svc.ActivateWithLicense(context.Background(), "owner-1", app.RecordKey, "key", testNow.Add(-time.Hour), domain.SystemActor)
	require.NoError(t, err)

	expired, err := svc.ExpireDueLicenses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored := repo.mustGet("owner-1", app.RecordKey)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	require.NotNil(t, stored.TTL)

	history, _ := repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	assert.Equal(t, domain.ActionSystemExpired, history[0].Action)
	assert.Equal(t, domain.SystemActor, history[0].ChangedBy)
}

func TestExpireDueLicenses_SkipsUnexpired(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeQueue{})
	app := createPending(t, svc)

	_, _, err := svc.Transition(context.Background(), "owner-1", app.RecordKey, domain.StatusAwaitingNotification)
	require.NoError(t, err)
	_, err = svc.ActivateWithLicense(context.Background(), "owner-1", app.RecordKey, "key", testNow.Add(time.Hour), domain.SystemActor)
	require.NoError(t, err)

	expired, err := svc.ExpireDueLicenses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, domain.StatusActive, repo.mustGet("owner-1", app.RecordKey).Status)
}
