package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"Blossom-Exec/pkg/logger"
)

const defaultNotifyTimeout = 10 * time.Second

func notifyClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultNotifyTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警内容失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := notifyClient(client).Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警端点返回状态 %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	ChannelID  string
	Client     *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	text := fmt.Sprintf("*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.ExecutionID != "" {
		text += fmt.Sprintf("\n执行: %s", event.ExecutionID)
	}
	if event.SessionID != "" {
		text += fmt.Sprintf("\n会话: %s", event.SessionID)
	}
	if event.Endpoint != "" {
		text += fmt.Sprintf("\n端点: %s", event.Endpoint)
	}
	for k, v := range event.Metadata {
		text += fmt.Sprintf("\n- %s: %s", k, v)
	}
	payload := map[string]string{"text": text}
	if n.ChannelID != "" {
		payload["channel"] = n.ChannelID
	}
	return postJSON(ctx, n.Client, n.WebhookURL, payload)
}

// WebhookNotifier 把事件原样 POST 到任意回调地址，方便接入自建的
// 告警网关或 PagerDuty 之类的转发层。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回通用 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送事件 JSON。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	return postJSON(ctx, n.Client, n.URL, event)
}

// LogNotifier 把事件写入结构化日志，保证没有外部渠道时告警仍可追溯。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出一条告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
	}
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", event.Endpoint))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.L().Warn("触发告警", attrs...)
	return nil
}

var (
	_ Notifier = (*SlackNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
