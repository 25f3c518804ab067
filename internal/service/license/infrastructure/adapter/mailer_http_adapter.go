// internal/service/license/infrastructure/adapter/mailer_http_adapter.go
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sankey/internal/pkg/httpclient"
	"sankey/internal/service/license/domain"
)

// MailerHTTPAdapter 实现了 port.Mailer 接口，
// 通过下游邮件服务的 HTTP 接口投递授权邮件。
type MailerHTTPAdapter struct {
	client   *httpclient.Client
	endpoint string
}

// NewMailerHTTPAdapter 创建邮件投递适配器
func NewMailerHTTPAdapter(client *httpclient.Client, endpoint string) *MailerHTTPAdapter {
	return &MailerHTTPAdapter{client: client, endpoint: endpoint}
}

type licenseMailRequest struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Broker     string `json:"broker"`
	Account    string `json:"account"`
	EAName     string `json:"eaName"`
	LicenseKey string `json:"licenseKey"`
	Expiry     string `json:"expiry,omitempty"`
}

// SendLicenseMail 发送授权邮件
func (a *MailerHTTPAdapter) SendLicenseMail(ctx context.Context, app *domain.Application, licenseKey string, expiry time.Time) error {
	if app.Email == "" {
		return errors.New("application has no email address")
	}
	req := licenseMailRequest{
		To:         app.Email,
		Subject:    fmt.Sprintf("Your EA license for %s is ready", app.EAName),
		Broker:     app.Broker,
		Account:    app.AccountNumber,
		EAName:     app.EAName,
		LicenseKey: licenseKey,
	}
	if !expiry.IsZero() {
		req.Expiry = expiry.UTC().Format(time.RFC3339)
	}
	return a.client.PostJSON(ctx, a.endpoint, req)
}
