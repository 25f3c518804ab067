// internal/service/license/interfaces/dlq_consumer_test.go
package interfaces

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sankey/internal/pkg/mq"
)

func header(key, value string) kafka.Header {
	return kafka.Header{Key: key, Value: []byte(value)}
}

func TestParseDeadLetter_PlainBody(t *testing.T) {
	msg := kafka.Message{
		Value: []byte(`{"recordKey":"rk-1","ownerId":"owner-1","retryCount":2}`),
		Headers: []kafka.Header{
			header(mq.HeaderExceptionMessage, "smtp timeout"),
			header(mq.HeaderOriginalTopic, "license-notifications"),
			header(mq.HeaderOriginalPartition, "3"),
			header(mq.HeaderOriginalOffset, "12345"),
			header(mq.HeaderAttemptCount, "2"),
			header(mq.HeaderFailedAt, "2025-06-01T12:00:00Z"),
		},
	}

	dlq, err := parseDeadLetter(msg)
	require.NoError(t, err)

	assert.Equal(t, "rk-1", dlq.RecordKey)
	assert.Equal(t, "owner-1", dlq.OwnerID)
	assert.Equal(t, 2, dlq.RetryCount)
	assert.Equal(t, "smtp timeout", dlq.Diagnostics.FailureReason)
	assert.Equal(t, "license-notifications", dlq.Diagnostics.OriginalTopic)
	assert.Equal(t, "3", dlq.Diagnostics.OriginalPartition)
	assert.Equal(t, "12345", dlq.Diagnostics.OriginalOffset)
	assert.Equal(t, 2, dlq.Diagnostics.AttemptCount)
	assert.Equal(t, time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC), dlq.Diagnostics.FailedAt)
}

func TestParseDeadLetter_EnvelopeUnwrapped(t *testing.T) {
	// 有些上游把载荷包成 {"Message": "<json>"}，要先拆封
	msg := kafka.Message{
		Value: []byte(`{"Message": "{\"recordKey\":\"rk-1\",\"ownerId\":\"owner-1\"}"}`),
	}

	dlq, err := parseDeadLetter(msg)
	require.NoError(t, err)
	assert.Equal(t, "rk-1", dlq.RecordKey)
	assert.Equal(t, "owner-1", dlq.OwnerID)
}

func TestParseDeadLetter_MissingHeadersTolerated(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"recordKey":"rk-1","ownerId":"owner-1"}`)}

	dlq, err := parseDeadLetter(msg)
	require.NoError(t, err)
	assert.Empty(t, dlq.Diagnostics.FailureReason)
	assert.Zero(t, dlq.Diagnostics.AttemptCount)
	assert.True(t, dlq.Diagnostics.FailedAt.IsZero())
}

func TestParseDeadLetter_GarbageRejected(t *testing.T) {
	_, err := parseDeadLetter(kafka.Message{Value: []byte("not json at all")})
	assert.Error(t, err)
}
