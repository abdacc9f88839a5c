package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrInvalidOutput is returned when the model response is not a JSON object
// or array of objects.
var ErrInvalidOutput = errors.New("model output is not valid JSON")

// Generator sends a prompt to a language model and returns its raw reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMConfig controls the llm strategy.
type LLMConfig struct {
	Instruction string
	// WordCountThreshold drops page text blocks with fewer words.
	WordCountThreshold int
	// MaxContentChars truncates page text sent to the model, in bytes, on a
	// rune boundary. Zero means no limit.
	MaxContentChars int
	Breaker         BreakerConfig
}

// BreakerConfig tunes the circuit breaker around the model.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// LLMStrategy asks a language model to fill the schema from page text.
type LLMStrategy struct {
	gen     Generator
	schema  Schema
	cfg     LLMConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewLLMStrategy builds the strategy.
func NewLLMStrategy(gen Generator, schema Schema, cfg LLMConfig, logger *zap.Logger) (*LLMStrategy, error) {
	if gen == nil {
		return nil, errors.New("llm strategy requires a generator")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = time.Minute
	}
	s := &LLMStrategy{gen: gen, schema: schema, cfg: cfg, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s, nil
}

// truncateUTF8 cuts text to at most limit bytes without splitting a rune.
func truncateUTF8(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Name identifies the strategy in logs.
func (s *LLMStrategy) Name() string { return "llm" }

// Extract reduces the page to text, prompts the model and returns its answer
// as a compact JSON array.
func (s *LLMStrategy) Extract(ctx context.Context, page Page) (string, error) {
	text, err := PageText(page.HTML, s.cfg.WordCountThreshold)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("page has no readable text")
	}
	text = truncateUTF8(text, s.cfg.MaxContentChars)
	prompt, err := s.buildPrompt(page.URL, text)
	if err != nil {
		return "", err
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.gen.Generate(ctx, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	reply, _ := out.(string)
	payload, err := NormalizeOutput(reply)
	if err != nil {
		s.logger.Debug("unusable model reply", zap.Int("reply_len", len(reply)))
		return "", err
	}
	return payload, nil
}

func (s *LLMStrategy) buildPrompt(url, text string) (string, error) {
	schemaJSON, err := s.schema.PromptJSON()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("You extract structured data from web pages.\n")
	if s.cfg.Instruction != "" {
		b.WriteString("Instruction: ")
		b.WriteString(s.cfg.Instruction)
		b.WriteString("\n")
	}
	b.WriteString("Return only a JSON array of objects matching this JSON schema:\n")
	b.WriteString(schemaJSON)
	b.WriteString("\n\nPage URL: ")
	b.WriteString(url)
	b.WriteString("\nPage content:\n")
	b.WriteString(text)
	return b.String(), nil
}

// NormalizeOutput validates a model reply and returns it as a compact JSON
// array. A single object is wrapped in a one-element array; markdown code
// fences are stripped.
func NormalizeOutput(reply string) (string, error) {
	reply = stripCodeFence(strings.TrimSpace(reply))
	if reply == "" {
		return "", ErrInvalidOutput
	}

	var rows []map[string]any
	switch reply[0] {
	case '[':
		if err := json.Unmarshal([]byte(reply), &rows); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidOutput, err)
		}
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(reply), &obj); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidOutput, err)
		}
		rows = []map[string]any{obj}
	default:
		return "", ErrInvalidOutput
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(out), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
