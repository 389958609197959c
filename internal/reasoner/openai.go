package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// Config holds reasoning backend settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// Client talks to an OpenAI-compatible chat endpoint and turns evidence
// into structured verdicts. Implements engine.Reasoner.
type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewClient constructs the reasoning client. BaseURL may point at any
// OpenAI-compatible server, including a local one.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

const analyzeSystemPrompt = `You are an incident analysis engine for a service cluster.
Given raw evidence for one subject, decide whether the subject is healthy and
list concrete anomalies. Respond with ONLY a JSON object of this exact shape:
{"healthy": bool, "anomalies": ["..."], "metrics": ["..."]}
No prose, no markdown.`

type analysisPayload struct {
	Healthy   bool     `json:"healthy"`
	Anomalies []string `json:"anomalies"`
	Metrics   []string `json:"metrics"`
}

// Analyze asks the backend for a health verdict over the evidence window.
func (c *Client) Analyze(ctx context.Context, subject string, units []models.ObservationUnit) (models.Analysis, error) {
	const op = "reasoner.Analyze"

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\nEvidence (%d units):\n", subject, len(units))
	for _, u := range units {
		fmt.Fprintf(&sb, "- [%s] %s severity=%s value=%.3f at=%s\n",
			u.Kind, u.Payload, u.Severity, u.Value, u.CapturedAt.Format("15:04:05"))
	}

	raw, err := c.complete(ctx, analyzeSystemPrompt, sb.String())
	if err != nil {
		return models.Analysis{}, utils.NewAppError(op, "chat completion", err)
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		c.logger.Warn("malformed analysis from backend", slog.String("subject", subject))
		return models.Analysis{}, utils.NewAppError(op, "decode analysis", err)
	}

	return models.Analysis{
		Healthy:   payload.Healthy,
		Anomalies: payload.Anomalies,
		Metrics:   payload.Metrics,
	}, nil
}

const hypothesesSystemPrompt = `You are an incident remediation engine.
Given symptoms and anomalies for one subject, propose ranked root-cause
hypotheses with remediation actions. Allowed action types are given in the
request; any other type will be discarded. Respond with ONLY a JSON array:
[{"description": "...", "confidence": 0.0, "supporting_evidence": ["..."],
"contradicting_evidence": ["..."], "testing_steps": "...",
"actions": [{"type": "...", "target": "...", "params": {}, "risk": "low|medium|high"}]}]
No prose, no markdown.`

type hypothesisPayload struct {
	Description           string   `json:"description"`
	Confidence            float64  `json:"confidence"`
	SupportingEvidence    []string `json:"supporting_evidence"`
	ContradictingEvidence []string `json:"contradicting_evidence"`
	TestingSteps          string   `json:"testing_steps"`
	Actions               []struct {
		Type   string            `json:"type"`
		Target string            `json:"target"`
		Params map[string]string `json:"params"`
		Risk   string            `json:"risk"`
	} `json:"actions"`
}

// GenerateHypotheses asks the backend for ranked root-cause hypotheses.
func (c *Client) GenerateHypotheses(ctx context.Context, subject string, evidence []string, allowed []models.ActionType) ([]models.Hypothesis, error) {
	const op = "reasoner.GenerateHypotheses"

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\nAllowed action types: ", subject)
	for i, a := range allowed {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(a))
	}
	sb.WriteString("\nFindings:\n")
	for _, line := range evidence {
		fmt.Fprintf(&sb, "- %s\n", line)
	}

	raw, err := c.complete(ctx, hypothesesSystemPrompt, sb.String())
	if err != nil {
		return nil, utils.NewAppError(op, "chat completion", err)
	}

	hyps, err := ParseHypotheses(stripFences(raw), subject)
	if err != nil {
		c.logger.Warn("malformed hypotheses from backend", slog.String("subject", subject))
		return nil, utils.NewAppError(op, "decode hypotheses", err)
	}
	return hyps, nil
}

// ParseHypotheses decodes the backend's JSON array into model hypotheses.
// Actions with no target fall back to the subject.
func ParseHypotheses(raw, subject string) ([]models.Hypothesis, error) {
	var payloads []hypothesisPayload
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, err
	}

	hyps := make([]models.Hypothesis, 0, len(payloads))
	for _, p := range payloads {
		h := models.Hypothesis{
			Description:           p.Description,
			Confidence:            clamp01(p.Confidence),
			SupportingEvidence:    p.SupportingEvidence,
			ContradictingEvidence: p.ContradictingEvidence,
			TestingSteps:          p.TestingSteps,
		}
		for _, a := range p.Actions {
			target := a.Target
			if target == "" {
				target = subject
			}
			risk := models.RiskLevel(a.Risk)
			switch risk {
			case models.RiskLow, models.RiskMedium, models.RiskHigh:
			default:
				risk = models.RiskMedium
			}
			h.Actions = append(h.Actions, models.ActionDescriptor{
				Type:   models.ActionType(a.Type),
				Target: target,
				Params: a.Params,
				Risk:   risk,
			})
		}
		hyps = append(hyps, h)
	}
	return hyps, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               c.model,
		MaxCompletionTokens: c.maxTokens,
		Temperature:         0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("backend returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
