// internal/service/license/port/mailer.go
package port

import (
	"context"
	"time"

	"sankey/internal/service/license/domain"
)

// Mailer 是授权邮件投递的出站端口。
// expiry 必须显式传入：激活发生在邮件之后，此时聚合上还没有过期时间。
type Mailer interface {
	SendLicenseMail(ctx context.Context, app *domain.Application, licenseKey string, expiry time.Time) error
}
