package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"confluence-trader/internal/config"
	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

// Client 封装大模型点评调用逻辑。点评结果只写入事件日志，
// 不影响信号评分、下单与风控的任何判断。
type Client struct {
	cfg    config.AdvisoryConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建点评客户端。
func NewClient(cfg config.AdvisoryConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisory api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}
	config.HTTPClient = httpClient
	client := openai.NewClientWithConfig(config)

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    client,
	}, nil
}

// Comment 请求模型对信号给出点评。
func (c *Client) Comment(ctx context.Context, signal trade.Signal, ind indicator.Result) (Commentary, error) {
	if c.cfg.Model == "" {
		return Commentary{}, errors.New("advisory model 不能为空")
	}

	prompt, err := BuildPrompt(signal, ind)
	if err != nil {
		return Commentary{}, err
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用点评模型失败", zap.Error(err))
		return Commentary{}, fmt.Errorf("调用点评模型失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Commentary{}, errors.New("点评模型返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Commentary{}, errors.New("点评模型返回内容为空")
	}

	commentary, err := parseCommentary(rawContent)
	if err != nil {
		c.logger.Error("解析点评结果失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Commentary{}, err
	}

	if err := commentary.Validate(); err != nil {
		return Commentary{}, err
	}

	c.logger.Info("信号点评完成",
		zap.String("symbol", signal.Symbol),
		zap.String("stance", commentary.Stance),
		zap.Float64("agreement", commentary.Agreement),
	)

	return commentary, nil
}

func parseCommentary(content string) (Commentary, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return Commentary{}, err
	}

	var commentary Commentary
	if err = json.Unmarshal(jsonPayload, &commentary); err != nil {
		return Commentary{}, fmt.Errorf("解析点评JSON失败: %w", err)
	}

	return commentary, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
