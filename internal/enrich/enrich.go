// Package enrich produces natural-language summaries of aggregate
// results through an OpenAI-compatible chat completions endpoint.
// Enrichment is strictly optional: callers degrade to the raw result
// when the endpoint is disabled or unreachable.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when enrichment is disabled or the
// endpoint cannot produce a summary.
var ErrUnavailable = errors.New("enrichment unavailable")

// Config holds enrichment endpoint settings.
type Config struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	Model          string
	TimeoutSeconds int
	MaxTokens      int
	Temperature    float64
}

// Client calls an OpenAI-compatible chat completions API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New creates an enrichment client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger: logger.With().Str("component", "enrich").Logger(),
	}
}

// Enabled reports whether enrichment is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.Endpoint != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize asks the model for a short analysis of an aggregate
// result.
func (c *Client) Summarize(ctx context.Context, desc *aggregate.Descriptor, res *aggregate.Result) (string, error) {
	if !c.Enabled() {
		return "", ErrUnavailable
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an analyst for urban mobility data. Answer in 2-4 concise sentences."},
			{Role: "user", Content: buildPrompt(desc, res)},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode enrichment request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Enrichment request failed")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("Enrichment endpoint returned error")
		return "", fmt.Errorf("%w: endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}

	c.logger.Debug().
		Dur("elapsed", time.Since(start)).
		Str("model", c.cfg.Model).
		Msg("Enrichment completed")
	return parsed.Choices[0].Message.Content, nil
}

// promptBuckets caps how many buckets are quoted to the model.
const promptBuckets = 20

func buildPrompt(desc *aggregate.Descriptor, res *aggregate.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q (version %d): %s of %s",
		res.Dataset, res.Version, desc.Metric.Fn, metricField(desc))
	if len(desc.GroupBy) > 0 {
		fields := make([]string, len(desc.GroupBy))
		for i, g := range desc.GroupBy {
			fields[i] = g.Field
		}
		fmt.Fprintf(&b, " grouped by %s", strings.Join(fields, ", "))
	}
	fmt.Fprintf(&b, ". Scanned %d rows, %d matched filters.\n", res.RowsScanned, res.RowsMatched)

	n := len(res.Buckets)
	if n > promptBuckets {
		n = promptBuckets
	}
	fmt.Fprintf(&b, "Top %d groups by value:\n", n)
	for _, bk := range res.Buckets[:n] {
		key := strings.Join(bk.Key, " / ")
		if key == "" {
			key = "(all)"
		}
		fmt.Fprintf(&b, "- %s: %g\n", key, bk.Value)
	}
	if res.Truncated {
		b.WriteString("(result truncated to the largest groups)\n")
	}
	b.WriteString("Summarize the notable patterns in this result.")
	return b.String()
}

func metricField(desc *aggregate.Descriptor) string {
	if desc.Metric.Field == "" {
		return "rows"
	}
	return desc.Metric.Field
}
