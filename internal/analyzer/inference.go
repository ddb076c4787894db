package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// InferenceClient 外部推理服务契约
// 返回原始响应字节，格式校验由调用方负责；任何超时/网络错误按失败处理
type InferenceClient interface {
	Classify(ctx context.Context, text string, priorMessages []string) ([]byte, error)
}

// classifyRequest 推理请求体
type classifyRequest struct {
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

// classifyResponse 推理响应体（必须通过 schema 校验后才反序列化）
type classifyResponse struct {
	SentimentScore   int     `json:"sentiment_score"`
	PrimaryEmotion   string  `json:"primary_emotion"`
	CrisisPresent    bool    `json:"crisis_present"`
	CrisisConfidence float64 `json:"crisis_confidence"`
	UrgencyLevel     int     `json:"urgency_level"`
}

// 推理响应的严格 schema
// 缺字段、类型错误、越界值一律整体丢弃，不信任部分输出
const classifySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sentiment_score", "primary_emotion", "crisis_present", "crisis_confidence", "urgency_level"],
	"properties": {
		"sentiment_score":   {"type": "integer", "minimum": 1, "maximum": 10},
		"primary_emotion":   {"type": "string", "minLength": 1},
		"crisis_present":    {"type": "boolean"},
		"crisis_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"urgency_level":     {"type": "integer", "minimum": 1, "maximum": 5}
	},
	"additionalProperties": true
}`

// compileClassifySchema 编译推理响应 schema
func compileClassifySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://mindcare.schemas.local/analyzer/classify.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(classifySchema)); err != nil {
		return nil, fmt.Errorf("classify schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("classify schema compile failed: %w", err)
	}
	return compiled, nil
}

// validateAndParse 校验并解析推理响应
// 校验失败时整体丢弃响应
func validateAndParse(schema *jsonschema.Schema, raw []byte) (*models.AnalysisResult, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("inference response is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("inference response failed schema validation: %w", err)
	}

	var resp classifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inference response: %w", err)
	}

	return &models.AnalysisResult{
		SentimentScore:   resp.SentimentScore,
		PrimaryEmotion:   resp.PrimaryEmotion,
		CrisisPresent:    resp.CrisisPresent,
		CrisisConfidence: resp.CrisisConfidence,
		UrgencyLevel:     resp.UrgencyLevel,
		Method:           models.MethodInference,
	}, nil
}

// HTTPInferenceClient 基于 HTTP 的推理客户端
type HTTPInferenceClient struct {
	url    string
	client *http.Client
}

// NewHTTPInferenceClient 创建推理客户端（timeout 为单次调用超时）
func NewHTTPInferenceClient(url string, timeout time.Duration) *HTTPInferenceClient {
	return &HTTPInferenceClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Classify 调用推理服务
func (c *HTTPInferenceClient) Classify(ctx context.Context, text string, priorMessages []string) ([]byte, error) {
	body, err := json.Marshal(classifyRequest{Text: text, Context: priorMessages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classify call returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read classify response: %w", err)
	}

	return raw, nil
}
