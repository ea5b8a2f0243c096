package notification

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"gopkg.in/gomail.v2"
)

// EmailConfig 邮件配置
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// mailDialer gomail.Dialer 的可替换接口
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送通知邮件
type EmailNotifier struct {
	config EmailConfig
	dialer mailDialer
}

// NewEmailNotifier 创建邮件通知器，未配置收件人时返回 nil
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	if cfg.Host == "" || len(cfg.Recipients) == 0 {
		return nil
	}
	return &EmailNotifier{
		config: cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

var emailTemplate = template.Must(template.New("notice").Parse(`<html>
<body>
	<h2>{{.Subject}}</h2>
	<p>{{.Body}}</p>
	{{- if .Severity}}
	<p>级别: {{.Severity}}</p>
	{{- end}}
	{{- if .ResourceID}}
	<p>对象: {{.ResourceID}}</p>
	{{- end}}
	{{- if .Data}}
	<ul>
	{{- range $k, $v := .Data}}
		<li>{{$k}}: {{$v}}</li>
	{{- end}}
	</ul>
	{{- end}}
	<p>时间: {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}</p>
</body>
</html>`))

// Send 发送邮件
func (e *EmailNotifier) Send(ctx context.Context, notification *Notification) error {
	if e == nil {
		return fmt.Errorf("邮件未配置")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body strings.Builder
	if err := emailTemplate.Execute(&body, notification); err != nil {
		return fmt.Errorf("渲染邮件模板失败: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.config.From)
	m.SetHeader("To", e.config.Recipients...)
	m.SetHeader("Subject", fmt.Sprintf("[eventhub] %s", notification.Subject))
	m.SetBody("text/html", body.String())

	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}
