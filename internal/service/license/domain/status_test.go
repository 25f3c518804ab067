// internal/service/license/domain/status_test.go
package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// 迁移图的期望边集，与实现分开维护，防止实现和测试共用一份数据
var expectedEdges = map[string][]ApplicationStatus{
	string(StatusPending):              {StatusApprove, StatusAwaitingNotification, StatusRejected, StatusCancelled},
	string(StatusApprove):              {StatusAwaitingNotification},
	string(StatusAwaitingNotification): {StatusActive, StatusFailedNotification, StatusCancelled},
	string(StatusFailedNotification):   {StatusAwaitingNotification, StatusActive, StatusCancelled},
	string(StatusActive):               {StatusExpired, StatusRevoked},
}

func TestIsValidTransition_FullMatrix(t *testing.T) {
	for _, from := range AllStatuses {
		allowed := map[ApplicationStatus]bool{}
		for _, to := range expectedEdges[string(from)] {
			allowed[to] = true
		}
		for _, to := range AllStatuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[to], IsValidTransition(from, to))
			})
		}
	}
}

func TestIsValidTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []ApplicationStatus{StatusExpired, StatusRevoked, StatusRejected, StatusCancelled} {
		for _, to := range AllStatuses {
			assert.Falsef(t, IsValidTransition(from, to), "terminal %s must not allow %s", from, to)
		}
	}
}

func TestIsValidTransition_SelfLoopsRejected(t *testing.T) {
	for _, s := range AllStatuses {
		assert.Falsef(t, IsValidTransition(s, s), "self transition %s must be rejected", s)
	}
}

func TestIsValidTransition_RetryCycle(t *testing.T) {
	// 重试环是迁移图里唯一刻意保留的环
	assert.True(t, IsValidTransition(StatusAwaitingNotification, StatusFailedNotification))
	assert.True(t, IsValidTransition(StatusFailedNotification, StatusAwaitingNotification))
}

func TestIsKnownStatus(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, IsKnownStatus(s))
	}
	assert.False(t, IsKnownStatus("Unknown"))
	assert.False(t, IsKnownStatus(""))
	assert.False(t, IsKnownStatus("pending")) // 大小写敏感
}
