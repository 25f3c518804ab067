// internal/service/license/application/retry_service_test.go
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

type retryFixture struct {
	repo   *fakeRepo
	queue  *fakeQueue
	locker *fakeLocker
	apps   *ApplicationService
	retry  *RetryService
}

func newRetryFixture() *retryFixture {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	locker := &fakeLocker{}
	clock := func() time.Time { return testNow }
	apps := NewApplicationService(repo, queue, testPolicy(), otel.Tracer("test")).WithClock(clock)
	retry := NewRetryService(apps, repo, queue, locker, testPolicy(), otel.Tracer("test")).WithClock(clock)
	return &retryFixture{repo: repo, queue: queue, locker: locker, apps: apps, retry: retry}
}

// failedApp 造一条处于 FailedNotification 的申请
func (f *retryFixture) failedApp(t *testing.T, ownerID, account string, failureCount int) *domain.Application {
	t.Helper()
	app, err := f.apps.Create(context.Background(), domain.NewApplicationInput{
		OwnerID:       ownerID,
		Broker:        "IC Markets",
		AccountNumber: account,
		EAName:        "TrendRider",
		Email:         "trader@example.com",
	})
	require.NoError(t, err)
	_, _, err = f.apps.Transition(context.Background(), ownerID, app.RecordKey, domain.StatusAwaitingNotification)
	require.NoError(t, err)
	_, _, err = f.apps.Transition(context.Background(), ownerID, app.RecordKey, domain.StatusFailedNotification,
		WithExtraFields(map[string]interface{}{"failureCount": failureCount}))
	require.NoError(t, err)
	f.queue.sent = nil
	return app
}

func TestRetry_HappyPath(t *testing.T) {
	f := newRetryFixture()
	app := f.failedApp(t, "owner-1", "880123", 1)

	updated, err := f.retry.Retry(context.Background(), "owner-1", app.RecordKey, false, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAwaitingNotification, updated.Status)
	assert.Equal(t, 1, updated.FailureCount, "retry must not touch the failure count")
	require.NotNil(t, updated.NotificationScheduledAt)
	assert.Equal(t, testNow.Add(300*time.Second), *updated.NotificationScheduledAt)

	require.Len(t, f.queue.sent, 1)
	assert.Equal(t, 300*time.Second, f.queue.sent[0].delay)
	assert.Equal(t, 1, f.queue.sent[0].msg.RetryCount)

	history, _ := f.repo.QueryHistory(context.Background(), "owner-1", app.RecordKey)
	latest := history[0]
	assert.Equal(t, domain.ActionRetryNotification, latest.Action)
	require.NotNil(t, latest.RetryCount)
	assert.Equal(t, 2, *latest.RetryCount) // 第 2 次尝试
}

func TestRetry_LimitEnforced(t *testing.T) {
	f := newRetryFixture()
	app := f.failedApp(t, "owner-1", "880123", 3)

	_, err := f.retry.Retry(context.Background(), "owner-1", app.RecordKey, false, "admin-1")

	var limitErr *domain.RetryLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Current)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Empty(t, f.queue.sent)
}

func TestRetry_ForceOverridesLimit(t *testing.T) {
	f := newRetryFixture()
	app := f.failedApp(t, "owner-1", "880123", 5)

	updated, err := f.retry.Retry(context.Background(), "owner-1", app.RecordKey, true, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingNotification, updated.Status)
	require.Len(t, f.queue.sent, 1)
	assert.Equal(t, "true", f.queue.sent[0].attributes["forced"])
}

func TestRetry_WrongStateRejected(t *testing.T) {
	f := newRetryFixture()
	app, err := f.apps.Create(context.Background(), domain.NewApplicationInput{
		OwnerID: "owner-1", Broker: "b", AccountNumber: "a", EAName: "e",
	})
	require.NoError(t, err)

	// force 也不能放松状态前置条件
	for _, force := range []bool{false, true} {
		_, err := f.retry.Retry(context.Background(), "owner-1", app.RecordKey, force, "admin-1")
		var stateErr *domain.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, domain.StatusFailedNotification, stateErr.Required)
		assert.Equal(t, domain.StatusPending, stateErr.Current)
	}
}

func TestRetry_NotFound(t *testing.T) {
	f := newRetryFixture()
	_, err := f.retry.Retry(context.Background(), "owner-1", "missing", false, "admin-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBatchRetry_ProcessesAllUnderLock(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 1)
	f.failedApp(t, "owner-1", "880124", 2)

	result, err := f.retry.BatchRetry(context.Background(), "owner-1", 0, false, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Equal(t, []string{"batch-retry-owner-1"}, f.locker.resources)
	assert.Len(t, f.queue.sent, 2)
}

func TestBatchRetry_ExhaustedRecordsExcluded(t *testing.T) {
	f := newRetryFixture()
	app1 := f.failedApp(t, "owner-1", "880123", 3) // 超限，排序在可重试记录之前
	app2 := f.failedApp(t, "owner-1", "880124", 1)

	// limit=1：超限记录不得占用名额，可重试记录必须拿到这一个名额
	result, err := f.retry.BatchRetry(context.Background(), "owner-1", 1, false, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Failed)
	require.Len(t, result.Items, 1)
	assert.Equal(t, app2.RecordKey, result.Items[0].RecordKey)

	require.Len(t, f.queue.sent, 1)
	assert.Equal(t, app2.RecordKey, f.queue.sent[0].msg.RecordKey)
	// 超限记录原地不动
	assert.Equal(t, domain.StatusFailedNotification, f.repo.mustGet("owner-1", app1.RecordKey).Status)
}

func TestBatchRetry_ForceIncludesExhausted(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 3)
	f.failedApp(t, "owner-1", "880124", 1)

	result, err := f.retry.BatchRetry(context.Background(), "owner-1", 0, true, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Len(t, f.queue.sent, 2)
}

func TestBatchRetry_PerItemFailureDoesNotAbortBatch(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 1)
	f.failedApp(t, "owner-1", "880124", 1)

	// 第一条入队成功后队列故障，第二条失败但批次继续
	f.queue.failSend = errors.New("broker down")
	f.queue.failSendAfter = 1

	result, err := f.retry.BatchRetry(context.Background(), "owner-1", 0, false, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	var failedItem *BatchRetryItem
	for i := range result.Items {
		if !result.Items[i].Succeeded {
			failedItem = &result.Items[i]
		}
	}
	require.NotNil(t, failedItem)
	assert.Contains(t, failedItem.Error, "broker down")
}

func TestBatchRetry_LimitApplied(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 1)
	f.failedApp(t, "owner-1", "880124", 1)
	f.failedApp(t, "owner-1", "880125", 1)

	result, err := f.retry.BatchRetry(context.Background(), "owner-1", 2, false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Len(t, f.queue.sent, 2)
}

func TestBatchRetry_GlobalScope(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 1)
	f.failedApp(t, "owner-2", "990456", 1)

	result, err := f.retry.BatchRetry(context.Background(), "", 0, false, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, []string{"batch-retry"}, f.locker.resources)
}

func TestFailureStats(t *testing.T) {
	f := newRetryFixture()
	recent := testNow.Add(-time.Hour)
	old := testNow.Add(-48 * time.Hour)

	app1 := f.failedApp(t, "owner-1", "880123", 1)
	app2 := f.failedApp(t, "owner-1", "880124", 3)
	_, _, err := f.apps.Transition(context.Background(), "owner-1", app1.RecordKey, domain.StatusFailedNotification,
		WithGraphBypass(), WithExtraFields(map[string]interface{}{"lastFailedAt": recent}))
	require.NoError(t, err)
	_, _, err = f.apps.Transition(context.Background(), "owner-1", app2.RecordKey, domain.StatusFailedNotification,
		WithGraphBypass(), WithExtraFields(map[string]interface{}{"lastFailedAt": old}))
	require.NoError(t, err)

	stats, err := f.retry.FailureStats(context.Background(), "owner-1")
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalFailures)
	assert.Equal(t, 1, stats.RetryableFailures)
	assert.Equal(t, 1, stats.MaxRetryExceeded)
	assert.Equal(t, 1, stats.RecentFailures)
}

func TestBuildFailureReport(t *testing.T) {
	f := newRetryFixture()
	f.failedApp(t, "owner-1", "880123", 1)
	f.failedApp(t, "owner-1", "880124", 3)

	report, err := f.retry.BuildFailureReport(context.Background(), "owner-1")
	require.NoError(t, err)

	require.Len(t, report.Items, 2)
	assert.Equal(t, testNow, report.GeneratedAt)
	assert.InDelta(t, 2.0, report.AverageFailureCount, 0.001)

	retryable := 0
	for _, item := range report.Items {
		if item.Retryable {
			retryable++
		}
	}
	assert.Equal(t, 1, retryable)
}
