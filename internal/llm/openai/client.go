package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 OpenAI 生成结构化回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.ServiceError("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.ServiceError("openai", fmt.Errorf("返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	var structured struct {
		Thought string           `json:"thought"`
		Actions []llm.ActionSpec `json:"actions"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &structured); err != nil {
		return nil, fmt.Errorf("OpenAI 响应不是合法的动作 JSON: %w", err)
	}

	return &llm.Response{
		Thought: structured.Thought,
		Actions: structured.Actions,
	}, nil
}

// stripFence 去掉模型偶尔包裹在 JSON 外面的 markdown 代码块。
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":           c.model,
		"messages":        messages,
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     c.temperature,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the planning engine of a treasury agent fleet. " +
	"Every fund-moving action you propose is checked by a policy gate before execution. " +
	"Respond only with a JSON object: {\"thought\": string, \"actions\": [{\"type\": string, \"target_agent\": string, \"params\": object}]}. " +
	"Allowed types: monitor, request_risk_scan {asset}, transfer {to, amount}, swap {from_asset, to_asset, amount}, alert {message, severity}."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 智能体\n")
	builder.WriteString(fmt.Sprintf("id: %s | role: %s | cycle: %d\n", req.AgentID, req.Role, req.Cycle))
	if mission := strings.TrimSpace(req.Mission); mission != "" {
		builder.WriteString(fmt.Sprintf("任务: %s\n", mission))
	}
	builder.WriteString(fmt.Sprintf("原生余额: %g\n", req.Balance))

	if len(req.Assets) > 0 {
		builder.WriteString("\n## 资产\n")
		for _, name := range sortedKeys(req.Assets) {
			builder.WriteString(fmt.Sprintf("%s: %g\n", name, req.Assets[name]))
		}
	}
	if len(req.Prices) > 0 {
		builder.WriteString("\n## 价格\n")
		for _, name := range sortedKeys(req.Prices) {
			builder.WriteString(fmt.Sprintf("%s: %g\n", name, req.Prices[name]))
		}
	}
	if len(req.Directives) > 0 {
		builder.WriteString("\n## 指令\n")
		keys := make([]string, 0, len(req.Directives))
		for key := range req.Directives {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("%s = %s\n", key, truncate(req.Directives[key])))
		}
	}
	if len(req.Peers) > 0 {
		builder.WriteString(fmt.Sprintf("\n可协作的智能体: %s\n", strings.Join(req.Peers, ", ")))
	}

	if len(req.Playbook) > 0 {
		builder.WriteString("\n## 操作手册\n")
		for _, note := range req.Playbook {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", note.Title, truncate(note.Content)))
		}
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## 最近周期\n")
		for idx, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] decision:%s | %s\n", entry.Cycle, entry.Decision, truncate(entry.Summary)))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n请给出本周期的 thought 与 actions，没有必要操作时返回单个 monitor。")
	return builder.String()
}

func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
