package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/internal/cost"
	"github.com/aegisproxy/aegis/internal/decision"
)

// Judge escalates contexts no rule matched to an LLM. It speaks the
// OpenAI-compatible chat completions API so any compatible endpoint
// works; base URL and key come from the environment.
type Judge struct {
	httpClient *http.Client
	model      string
	tracker    *cost.Tracker
	logger     *slog.Logger

	// overridable in tests
	baseURL string
	apiKey  string
}

// NewJudge creates a Judge. tracker may be nil to skip usage
// accounting.
func NewJudge(model string, timeout time.Duration, tracker *cost.Tracker, logger *slog.Logger) *Judge {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{
		httpClient: &http.Client{Timeout: timeout},
		model:      model,
		tracker:    tracker,
		logger:     logger.With("component", "engine.Judge"),
	}
}

// Verdict is the parsed judge output before threshold handling.
type JudgeVerdict struct {
	Verdict     decision.Verdict
	Reason      string
	Confidence  float64
	Constraints []string
	Obligations []string
}

// Evaluate asks the model whether the action should proceed. Network
// and parse failures are retried once; a second failure returns an
// error and the engine treats the outcome as indeterminate.
func (j *Judge) Evaluate(ctx context.Context, dctx *decision.Context, policySummaries []string) (*JudgeVerdict, error) {
	system := buildJudgeSystemPrompt(policySummaries)
	user := buildJudgeUserPrompt(dctx)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		raw, inTokens, outTokens, err := j.callLLM(ctx, system, user)
		if err != nil {
			lastErr = err
			j.logger.Warn("judge call failed", "attempt", attempt+1, "error", err)
			continue
		}
		if j.tracker != nil {
			j.tracker.Record(j.model, inTokens, outTokens)
		}

		v, err := parseJudgeResponse(raw)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse judge response: %w (raw: %s)", err, truncate(raw, 200))
			j.logger.Warn("judge returned unparseable output", "attempt", attempt+1, "error", lastErr)
			continue
		}
		return v, nil
	}
	return nil, lastErr
}

func buildJudgeSystemPrompt(policySummaries []string) string {
	var b strings.Builder
	b.WriteString(`You are the escalation judge for AEGIS, a policy enforcement proxy that sits between AI agents and their tools.

A request reached you because no deterministic policy rule matched it. Decide whether the action should be permitted, considering intent, scope, and potential for harm. Be conservative with destructive or exfiltration-shaped actions.
`)
	if len(policySummaries) > 0 {
		b.WriteString("\n## ACTIVE POLICIES (for context; none matched this request)\n\n")
		for _, s := range policySummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	b.WriteString(`
## RESPONSE FORMAT

Respond with a single JSON object (no markdown fencing, no extra text):
{"decision": "PERMIT" or "DENY", "reason": "<concise explanation>", "confidence": <0.0-1.0>, "constraints": [], "obligations": []}

- "constraints" may list directives to apply if permitted, e.g. "100/min", "anonymize-pii".
- "obligations" may list follow-ups, e.g. "log", "notify:admin".
- "confidence" reflects how certain you are (1.0 = completely certain).`)
	return b.String()
}

func buildJudgeUserPrompt(dctx *decision.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Request Under Review\n\n")
	fmt.Fprintf(&b, "- **Agent**: %s (type: %s)\n", dctx.Agent, dctx.AgentType)
	fmt.Fprintf(&b, "- **Action**: %s\n", dctx.Action)
	fmt.Fprintf(&b, "- **Resource**: %s\n", dctx.Resource)
	fmt.Fprintf(&b, "- **Classification**: %s\n", dctx.Classification)
	fmt.Fprintf(&b, "- **Time**: %s (business hours: %v)\n", dctx.Time.Format(time.RFC3339), dctx.IsBusinessHours)
	if dctx.TrustScore != nil {
		fmt.Fprintf(&b, "- **Trust score**: %.2f\n", *dctx.TrustScore)
	}
	if len(dctx.DelegationChain) > 0 {
		fmt.Fprintf(&b, "- **Delegation chain**: %s\n", strings.Join(dctx.DelegationChain, " -> "))
	}
	if dctx.Emergency {
		fmt.Fprintf(&b, "- **Emergency flag**: set\n")
	}
	fmt.Fprintf(&b, "\nShould this action proceed? Respond with JSON.")
	return b.String()
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (j *Judge) callLLM(ctx context.Context, systemPrompt, userPrompt string) (content string, inTokens, outTokens int, err error) {
	baseURL := j.baseURL
	if baseURL == "" {
		baseURL = os.Getenv("AEGIS_AI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	apiKey := j.apiKey
	if apiKey == "" {
		apiKey = os.Getenv("AEGIS_AI_API_KEY")
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("AEGIS_AI_API_KEY environment variable is not set")
	}

	reqBody := chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   512,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, 0, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if result.Error != nil {
			msg += ": " + result.Error.Message
		}
		return "", 0, 0, fmt.Errorf("LLM API error: %s", msg)
	}
	if len(result.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("LLM returned no choices")
	}

	content = strings.TrimSpace(result.Choices[0].Message.Content)
	inTokens = result.Usage.PromptTokens
	outTokens = result.Usage.CompletionTokens
	if inTokens == 0 && outTokens == 0 {
		inTokens = cost.EstimateTokens(systemPrompt + userPrompt)
		outTokens = cost.EstimateTokens(content)
	}
	return content, inTokens, outTokens, nil
}

type judgeResponseJSON struct {
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	Constraints []string `json:"constraints"`
	Obligations []string `json:"obligations"`
}

// parseJudgeResponse extracts a JudgeVerdict from raw model output,
// tolerating markdown fencing or stray prose around the JSON.
func parseJudgeResponse(raw string) (*JudgeVerdict, error) {
	cleaned := raw
	if idx := strings.Index(cleaned, "{"); idx >= 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}

	var parsed judgeResponseJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var verdict decision.Verdict
	switch strings.ToUpper(strings.TrimSpace(parsed.Decision)) {
	case "PERMIT", "ALLOW":
		verdict = decision.VerdictPermit
	case "DENY", "BLOCK":
		verdict = decision.VerdictDeny
	default:
		return nil, fmt.Errorf("unrecognized decision %q", parsed.Decision)
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &JudgeVerdict{
		Verdict:     verdict,
		Reason:      parsed.Reason,
		Confidence:  confidence,
		Constraints: parsed.Constraints,
		Obligations: parsed.Obligations,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
