// internal/service/license/domain/ttl.go
package domain

import (
	"strconv"
	"time"
)

const (
	// DefaultRetentionMonths 是终态记录的默认保留月数
	DefaultRetentionMonths = 6
	// maxRetentionMonths 之上的配置视为非法，静默回退到默认值
	maxRetentionMonths = 60
)

// terminalStatuses 是 TTL 策略作用的终态集合。
// Active 虽然代表"成功"，但它还有出边 (Expired/Revoked)，不属于终态。
var terminalStatuses = map[ApplicationStatus]struct{}{
	StatusExpired:   {},
	StatusRevoked:   {},
	StatusRejected:  {},
	StatusCancelled: {},
}

// IsTerminal 判断状态是否为终态
func IsTerminal(s ApplicationStatus) bool {
	_, ok := terminalStatuses[s]
	return ok
}

// ResolveRetentionMonths 解析外部配置的保留月数。
// 配置缺失、非数字、<=0 或 >60 时一律静默回退到默认值，绝不报错。
func ResolveRetentionMonths(raw string) int {
	if raw == "" {
		return DefaultRetentionMonths
	}
	months, err := strconv.Atoi(raw)
	if err != nil || months <= 0 || months > maxRetentionMonths {
		return DefaultRetentionMonths
	}
	return months
}

// ComputeExpiry 在 from 的基础上加 months 个日历月，返回 epoch 秒。
// 必须使用日历月运算而非固定时长：跨月/跨年要正确进位，日溢出要钳制
// (Jan 31 + 1 个月落在 2 月最后一天，而不是悄悄滚进 3 月)。
// 不能用 time.AddDate，它对溢出做的是归一化而不是钳制。
func ComputeExpiry(from time.Time, months int) int64 {
	return AddCalendarMonths(from, months).Unix()
}

// AddCalendarMonths 实现带日钳制的日历月加法
func AddCalendarMonths(from time.Time, months int) time.Time {
	t := from.UTC()
	year, month, day := t.Date()

	total := int(month) - 1 + months
	year += total / 12
	total %= 12
	if total < 0 {
		total += 12
		year--
	}
	targetMonth := time.Month(total + 1)

	if last := daysInMonth(year, targetMonth); day > last {
		day = last
	}
	return time.Date(year, targetMonth, day, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// daysInMonth 返回给定年月的天数。
// time.Date 的第 0 天即上个月最后一天，借此拿到月末。
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ApplyTTLPolicy 在一次状态迁移上应用 TTL 规则：
//   - 目标是终态：打上 ttl = ComputeExpiry(now)
//   - 源是终态而目标不是：清除 ttl（正常迁移图到不了这里，
//     只有人工纠错路径会走到，这个分支是防御性保留的）
//   - 其他情况：不碰 ttl
//
// 所有写路径共用这一个函数，保证 "ttl 存在 <=> 状态为终态" 的不变式。
func ApplyTTLPolicy(app *Application, from, to ApplicationStatus, now time.Time, retentionMonths int) {
	switch {
	case IsTerminal(to):
		expiry := ComputeExpiry(now, retentionMonths)
		app.TTL = &expiry
	case IsTerminal(from) && !IsTerminal(to):
		app.TTL = nil
	}
}

// HistoryTTL 按历史条目自身的 newStatus 独立计算 TTL，规则与主记录一致
func HistoryTTL(newStatus *ApplicationStatus, now time.Time, retentionMonths int) *int64 {
	if newStatus == nil || !IsTerminal(*newStatus) {
		return nil
	}
	expiry := ComputeExpiry(now, retentionMonths)
	return &expiry
}
