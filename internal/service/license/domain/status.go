// internal/service/license/domain/status.go
package domain

// ApplicationStatus 定义了 EA 授权申请的生命周期状态
type ApplicationStatus string

const (
	StatusPending              ApplicationStatus = "Pending"              // 已提交，等待管理员审核
	StatusApprove              ApplicationStatus = "Approve"              // 管理员已批准，等待系统调度发送
	StatusAwaitingNotification ApplicationStatus = "AwaitingNotification" // 授权生成 + 邮件发送已入队
	StatusFailedNotification   ApplicationStatus = "FailedNotification"   // 邮件投递失败，等待重试或人工介入
	StatusActive               ApplicationStatus = "Active"               // 授权已生效
	StatusExpired              ApplicationStatus = "Expired"              // 授权已到期 (终态)
	StatusRevoked              ApplicationStatus = "Revoked"              // 授权已吊销 (终态)
	StatusRejected             ApplicationStatus = "Rejected"             // 申请被驳回 (终态)
	StatusCancelled            ApplicationStatus = "Cancelled"            // 申请被取消 (终态)
)

// AllStatuses 枚举所有合法状态，测试与校验用
var AllStatuses = []ApplicationStatus{
	StatusPending,
	StatusApprove,
	StatusAwaitingNotification,
	StatusFailedNotification,
	StatusActive,
	StatusExpired,
	StatusRevoked,
	StatusRejected,
	StatusCancelled,
}

// transitions 是状态迁移图的唯一事实来源。
// 注意这张图刻意不对称：FailedNotification 是唯一一个可以回退到
// 更早的非终态 (AwaitingNotification) 的状态，用来表达重试；
// 这个环由重试引擎的 maxRetry 策略封顶，保证流程最终会收敛。
var transitions = map[ApplicationStatus][]ApplicationStatus{
	StatusPending:              {StatusApprove, StatusAwaitingNotification, StatusRejected, StatusCancelled},
	StatusApprove:              {StatusAwaitingNotification},
	StatusAwaitingNotification: {StatusActive, StatusFailedNotification, StatusCancelled},
	StatusFailedNotification:   {StatusAwaitingNotification, StatusActive, StatusCancelled},
	StatusActive:               {StatusExpired, StatusRevoked},
	StatusExpired:              {},
	StatusRevoked:              {},
	StatusRejected:             {},
	StatusCancelled:            {},
}

// IsValidTransition 判断 from -> to 是否是图中允许的一条边
func IsValidTransition(from, to ApplicationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsKnownStatus 判断给定状态是否属于枚举集合
func IsKnownStatus(s ApplicationStatus) bool {
	_, ok := transitions[s]
	return ok
}
