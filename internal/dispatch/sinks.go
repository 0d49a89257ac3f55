package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// LogSink 把通知写进日志（没有配置外部出口时的兜底）
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) (string, error) {
	log.Infof("发送通知: title=%s message=%s", n.Title, n.Message)
	return n.EventID, nil
}

func (LogSink) Clear(_ context.Context, ids []string) error {
	log.Infof("撤回通知: %d 条", len(ids))
	return nil
}

// WebhookSink 把通知 POST 到外部 webhook（Discord/Telegram 网关等）
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink 创建 webhook 通知出口
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		client: resty.New().SetTimeout(10 * time.Second),
		url:    url,
	}
}

// webhookResponse 网关返回的通知回执
type webhookResponse struct {
	ID string `json:"id"`
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) (string, error) {
	var out webhookResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		SetResult(&out).
		Post(s.url)
	if err != nil {
		return "", errors.Wrap(err, "webhook 请求失败")
	}
	if resp.IsError() {
		return "", errors.Errorf("webhook 返回 HTTP %d", resp.StatusCode())
	}
	// 网关未返回通知 ID 时退回用事件 ID，保证撤回请求可关联
	if out.ID == "" {
		return n.EventID, nil
	}
	return out.ID, nil
}

func (s *WebhookSink) Clear(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string][]string{"clearIds": ids}).
		Post(s.url + "/clear")
	if err != nil {
		return errors.Wrap(err, "webhook 撤回请求失败")
	}
	if resp.IsError() {
		return errors.Errorf("webhook 撤回返回 HTTP %d", resp.StatusCode())
	}
	return nil
}

// TerminalBell 终端响铃提示音
type TerminalBell struct{}

func (TerminalBell) Play() {
	fmt.Print("\a")
}
