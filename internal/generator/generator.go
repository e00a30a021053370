// Package generator asks a generative-language service to break a goal down
// into tasks. Everything about the model's free-text reply, including
// salvaging JSON from it, stays in this package.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"taskplanner/internal/config"
	"taskplanner/internal/domain"
)

const systemPrompt = "You are an expert project planner. Given a GOAL, return *only JSON* like:\n" +
	`{"tasks":[{"id":"T1","name":"Research","estimated_hours":5,"depends_on":[]}],"notes":"string"}`

var (
	ErrNoAPIKey  = errors.New("generator: api key not configured")
	ErrBadOutput = errors.New("generator: model returned no usable JSON")
)

// Generator produces a task batch for a goal.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (Result, error)
}

// Prompt carries what the model is told about the goal.
type Prompt struct {
	Goal        string
	StartDate   string
	Deadline    string
	HoursPerDay int
}

// Text renders the prompt sent to the model.
func (p Prompt) Text() string {
	deadline := p.Deadline
	if deadline == "" {
		deadline = "None"
	}
	return fmt.Sprintf("%s\n\nGOAL: %s\nSTART_DATE: %s\nDEADLINE: %s\nWORK_HOURS_PER_DAY: %d",
		systemPrompt, p.Goal, p.StartDate, deadline, p.HoursPerDay)
}

// Result is the decoded model reply.
type Result struct {
	Tasks []domain.Task `json:"tasks"`
	Notes string        `json:"notes"`
}

// Client talks to a Gemini-style generateContent endpoint.
type Client struct {
	client *http.Client
	cfg    config.Generator
}

func NewClient(cfg config.Generator) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{client: &http.Client{Timeout: timeout}, cfg: cfg}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
	Text  string `json:"text,omitempty"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *Client) Generate(ctx context.Context, p Prompt) (Result, error) {
	if c.cfg.APIKey == "" {
		return Result{}, ErrNoAPIKey
	}
	var req generateRequest
	req.Contents = []content{{Parts: []part{{Text: p.Text()}}}}
	req.GenerationConfig.Temperature = c.cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = c.cfg.MaxTokens
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("generator: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.URL, "/"), url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("generator: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("generator: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("generator: read response: %w", err)
	}
	log.Debug().Str("model", c.cfg.Model).Int("status", resp.StatusCode).Dur("took", time.Since(started)).Msg("generator call")
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("generator: API error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return Result{}, fmt.Errorf("generator: unexpected response format: %w; raw=%s", err, truncate(string(respBody), 300))
	}
	var text string
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0].Content
		if len(cand.Parts) > 0 {
			text = cand.Parts[0].Text
		} else {
			text = cand.Text
		}
	}
	return Extract(text)
}

var (
	fenceRe  = regexp.MustCompile("(?m)^```json|```$")
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// Extract decodes the JSON object embedded in a model reply, tolerating code
// fences and chatter around it.
func Extract(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
	if m := objectRe.FindString(text); m != "" {
		text = m
	}
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err == nil {
		return r, nil
	}
	// Last resort: keep everything up to the first closing brace.
	if i := strings.Index(text, "}"); i >= 0 {
		if err := json.Unmarshal([]byte(text[:i+1]), &r); err == nil {
			return r, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrBadOutput, truncate(text, 400))
}

// AssignIDs gives every task without an ID the name T<n>, n being its
// one-based position in the batch. When that name is already used by
// another task, n is bumped to the next free number.
func AssignIDs(tasks []domain.Task) {
	taken := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID != "" {
			taken[t.ID] = true
		}
	}
	for i := range tasks {
		if tasks[i].ID != "" {
			continue
		}
		n := i + 1
		for taken[fmt.Sprintf("T%d", n)] {
			n++
		}
		id := fmt.Sprintf("T%d", n)
		taken[id] = true
		tasks[i].ID = id
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
