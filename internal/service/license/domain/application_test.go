// internal/service/license/domain/application_test.go
package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplication(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	app, err := NewApplication(NewApplicationInput{
		OwnerID:       "owner-1",
		Broker:        "IC Markets",
		AccountNumber: "880123",
		EAName:        "TrendRider",
		Email:         "trader@example.com",
	}, now)

	require.NoError(t, err)
	assert.Equal(t, StatusPending, app.Status)
	assert.Equal(t, now, app.AppliedAt)
	assert.Equal(t, now, app.UpdatedAt)
	assert.Zero(t, app.FailureCount)
	assert.Nil(t, app.TTL)
	assert.True(t, strings.HasPrefix(app.RecordKey, "20250601T120000Z#"))
}

func TestNewApplication_RequiredFields(t *testing.T) {
	now := time.Now().UTC()
	base := NewApplicationInput{OwnerID: "o", Broker: "b", AccountNumber: "a", EAName: "e"}

	for _, mutate := range []func(*NewApplicationInput){
		func(in *NewApplicationInput) { in.OwnerID = "" },
		func(in *NewApplicationInput) { in.Broker = "" },
		func(in *NewApplicationInput) { in.AccountNumber = "" },
		func(in *NewApplicationInput) { in.EAName = "" },
	} {
		in := base
		mutate(&in)
		_, err := NewApplication(in, now)
		assert.Error(t, err)
	}
}

func TestBuildRecordKey(t *testing.T) {
	appliedAt := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	key := BuildRecordKey(appliedAt, "IC Markets", "880123", "TrendRider")
	assert.Equal(t, "20250601T120000Z#IC_Markets#880123#TrendRider", key)
}

func TestBuildRecordKey_SanitizesSeparator(t *testing.T) {
	appliedAt := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	key := BuildRecordKey(appliedAt, "a#b", "1 2", "ea\tname")

	parts := strings.Split(key, "#")
	assert.Len(t, parts, 4, "sanitized parts must not introduce extra separators")
	assert.Equal(t, "a_b", parts[1])
	assert.Equal(t, "1_2", parts[2])
	assert.Equal(t, "ea_name", parts[3])
}

func TestBuildRecordKey_SortsByAppliedAt(t *testing.T) {
	early := BuildRecordKey(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), "b", "a", "e")
	late := BuildRecordKey(time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC), "b", "a", "e")
	assert.Less(t, early, late)
}

func TestApplyExtraField(t *testing.T) {
	app := &Application{Status: StatusPending}
	expiry := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	app.ApplyExtraField("licenseKey", "abc123")
	app.ApplyExtraField("expiryDate", expiry)
	app.ApplyExtraField("failureCount", 2)
	app.ApplyExtraField("lastFailureReason", "smtp timeout")

	assert.Equal(t, "abc123", app.LicenseKey)
	require.NotNil(t, app.ExpiryDate)
	assert.Equal(t, expiry, *app.ExpiryDate)
	assert.Equal(t, 2, app.FailureCount)
	assert.Equal(t, "smtp timeout", app.LastFailureReason)
}

func TestApplyExtraField_SystemFieldsNotAddressable(t *testing.T) {
	ttl := int64(99)
	app := &Application{Status: StatusPending, TTL: &ttl, UpdatedAt: time.Unix(0, 0).UTC()}

	// status / ttl / updatedAt 是系统控制字段，外部附带同名字段必须被忽略
	app.ApplyExtraField("status", StatusActive)
	app.ApplyExtraField("status", "Active")
	app.ApplyExtraField("ttl", int64(1))
	app.ApplyExtraField("updatedAt", time.Now())

	assert.Equal(t, StatusPending, app.Status)
	assert.Equal(t, int64(99), *app.TTL)
	assert.Equal(t, time.Unix(0, 0).UTC(), app.UpdatedAt)
}

func TestApplyExtraField_WrongTypeIgnored(t *testing.T) {
	app := &Application{}
	app.ApplyExtraField("failureCount", "three")
	app.ApplyExtraField("licenseKey", 42)
	assert.Zero(t, app.FailureCount)
	assert.Empty(t, app.LicenseKey)
}
