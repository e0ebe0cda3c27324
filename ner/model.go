package ner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const modelSystemPrompt = `You label named entities in YouTube video descriptions.
Return a JSON object {"entities":[{"label":"<LABEL>","text":"<exact span>"}]}.
Only use these labels: %s.
For VOCALIST_REF the span is the creator handle including its leading "@".
Copy spans verbatim from the input. Return {"entities":[]} when nothing matches.`

// ModelConfig configures a ModelExtractor.
type ModelConfig struct {
	// ModelPath names the model served by the endpoint.
	ModelPath string
	// Endpoint is the base URL of an OpenAI-compatible inference server.
	Endpoint string
	APIKey   string
	Labels   []string
}

// ModelExtractor delegates entity labelling to a hosted sequence-labelling
// model behind an OpenAI-compatible chat completions API. Results are
// restricted to the configured label set.
type ModelExtractor struct {
	client *openai.Client
	model  string
	labels map[string]bool
	prompt string
}

// NewModelExtractor builds a ModelExtractor from cfg.
func NewModelExtractor(cfg ModelConfig) (*ModelExtractor, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model extractor requires a model path")
	}

	labels := cfg.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}

	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[l] = true
	}

	return &ModelExtractor{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.ModelPath,
		labels: allowed,
		prompt: fmt.Sprintf(modelSystemPrompt, strings.Join(labels, ", ")),
	}, nil
}

type modelResponse struct {
	Entities []Entity `json:"entities"`
}

// ExtractEntities sends text to the model and returns the entities whose label
// is in the configured set.
func (m *ModelExtractor) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: m.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model extraction request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	var parsed modelResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model output: %w", err)
	}

	entities := make([]Entity, 0, len(parsed.Entities))
	for _, e := range parsed.Entities {
		if !m.labels[e.Label] {
			log.Debug().Str("label", e.Label).Msg("Dropping entity outside label set")
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// DeriveMap implements Extractor.
func (m *ModelExtractor) DeriveMap(entities []Entity, label string) map[string]string {
	return deriveHandleMap(entities, label)
}
