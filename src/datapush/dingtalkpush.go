package datapush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taxiquality/src/processor"
)

// 常量定义
const (
	RETRY_TIMES    = 3
	RETRY_INTERVAL = 2 * time.Second
)

// 钉钉 API 响应结构体
type DingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Pusher 群机器人 webhook 推送
type Pusher struct {
	Webhook  string
	Keyword  string // 机器人安全设置中的关键词，消息必须包含
	Client   *http.Client
	Retries  int
	Interval time.Duration
}

func NewPusher(webhook, keyword string) *Pusher {
	return &Pusher{
		Webhook:  webhook,
		Keyword:  keyword,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Retries:  RETRY_TIMES,
		Interval: RETRY_INTERVAL,
	}
}

// Enabled 未配置 webhook 时不推送
func (p *Pusher) Enabled() bool {
	return p != nil && p.Webhook != ""
}

// ReportMessage 组装清洗报告文本
func ReportMessage(keyword string, runID string, report processor.RemovalReport) string {
	var b strings.Builder
	if keyword != "" {
		fmt.Fprintf(&b, "[%s] ", keyword)
	}
	fmt.Fprintf(&b, "数据清洗完成 run %s\n", runID)
	b.WriteString(report.Summary())
	return b.String()
}

// PushReport 推送一次运行的剔除报告
func (p *Pusher) PushReport(ctx context.Context, res *processor.Result) error {
	if !p.Enabled() {
		return nil
	}
	content := ReportMessage(p.Keyword, res.RunID.String(), res.Report)
	return retry(ctx, func() error {
		return p.sendText(ctx, content)
	}, p.Retries, p.Interval)
}

// sendText 发送文本消息
func (p *Pusher) sendText(ctx context.Context, content string) error {
	payload := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": content,
		},
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求体失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Webhook, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("发送消息失败: %s", resp.Status)
	}

	var result DingTalkResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("解析响应失败: %v", err)
	}

	if result.ErrCode != 0 {
		return fmt.Errorf("发送消息失败: %s", result.ErrMsg)
	}

	return nil
}

// 重试函数
func retry(ctx context.Context, fn func() error, times int, interval time.Duration) error {
	if times < 1 {
		times = 1
	}
	var err error
	for i := 0; i < times; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < times-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return fmt.Errorf("重试 %d 次后失败: %v", times, err)
}
