package responders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"kiosk/internal/agent"
	"kiosk/internal/config"
	"kiosk/internal/session"
)

const intentPrompt = `You interpret what a customer says at a fast food ordering kiosk.
Answer with one JSON object and nothing else:
{"name": "<intent>", "query": "<item words>", "item_id": <id or 0>, "quantity": <n or 0>, "confidence": <0..1>}
Valid intents: search_menu, item_details, add_to_cart, remove_from_cart, set_quantity, recommend, checkout, unclear.
Use "unclear" with low confidence when the request is not about ordering.`

const respondPrompt = `You are the voice of a fast food ordering kiosk. Reply with one short friendly
sentence of at most %d characters. Do not invent prices or items that are not listed.`

var knownIntents = map[string]bool{
	session.IntentSearchMenu:     true,
	session.IntentItemDetails:    true,
	session.IntentAddToCart:      true,
	session.IntentRemoveFromCart: true,
	session.IntentSetQuantity:    true,
	session.IntentRecommend:      true,
	session.IntentCheckout:       true,
	session.IntentUnclear:        true,
}

// Completer returns a single chat completion.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAICompleter talks to an OpenAI compatible chat completions endpoint.
type OpenAICompleter struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewOpenAICompleter builds a completer from configuration. It returns nil
// when no API key is configured.
func NewOpenAICompleter(cfg config.LanguageConfig) *OpenAICompleter {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &OpenAICompleter{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:               c.model,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Language serves intent derivation and utterance generation through a
// Completer. Without one every request answers UNAVAILABLE so callers fall
// back to their local behavior.
type Language struct {
	completer Completer
}

// NewLanguage builds the service. completer may be nil.
func NewLanguage(completer Completer) *Language {
	return &Language{completer: completer}
}

func (l *Language) complete(ctx context.Context, system, user string) (string, error) {
	if l.completer == nil {
		return "", agent.NewAgentError(agent.CodeUnavailable, config.ServiceLanguage, "no language model configured")
	}
	out, err := l.completer.Complete(ctx, system, user)
	if err != nil {
		return "", agent.NewAgentError(agent.CodeUnavailable, config.ServiceLanguage, err.Error())
	}
	return strings.TrimSpace(out), nil
}

type llmIntent struct {
	Name       string  `json:"name"`
	Query      string  `json:"query"`
	ItemID     int     `json:"item_id"`
	Quantity   int     `json:"quantity"`
	Confidence float64 `json:"confidence"`
}

// DeriveIntent interprets one utterance.
func (l *Language) DeriveIntent(ctx context.Context, req agent.IntentRequest) (agent.IntentResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return agent.IntentResult{}, agent.NewAgentError(agent.CodeInvalidRequest, config.ServiceLanguage, "empty text")
	}
	out, err := l.complete(ctx, intentPrompt, intentUserPrompt(req))
	if err != nil {
		return agent.IntentResult{}, err
	}
	in, err := parseIntent(out)
	if err != nil {
		return agent.IntentResult{}, agent.NewAgentError(agent.CodeInvalidReply, config.ServiceLanguage, err.Error())
	}
	in.RawText = req.Text
	return agent.IntentResult{Intent: in}, nil
}

func intentUserPrompt(req agent.IntentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", req.State)
	if len(req.Cart) > 0 {
		b.WriteString("Cart:")
		for _, ci := range req.Cart {
			fmt.Fprintf(&b, " %dx %s (#%d);", ci.Quantity, ci.Name, ci.ItemID)
		}
		b.WriteString("\n")
	}
	for _, t := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	fmt.Fprintf(&b, "Customer: %s", req.Text)
	return b.String()
}

func parseIntent(raw string) (session.Intent, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return session.Intent{}, errors.New("no JSON object in completion")
	}
	var li llmIntent
	if err := json.Unmarshal([]byte(raw[start:end+1]), &li); err != nil {
		return session.Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(li.Name))
	if !knownIntents[name] {
		name, li.Confidence = session.IntentUnclear, 0
	}
	conf := li.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return session.Intent{
		Name:       name,
		Query:      strings.TrimSpace(li.Query),
		ItemID:     li.ItemID,
		Quantity:   li.Quantity,
		Confidence: conf,
		Source:     session.SourceLanguage,
	}, nil
}

// Respond produces a short utterance.
func (l *Language) Respond(ctx context.Context, req agent.RespondRequest) (agent.RespondResult, error) {
	limit := req.MaxLength
	if limit <= 0 {
		limit = 160
	}
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\nWhat to say: %s\n", req.State, req.Summary)
	if len(req.ItemNames) > 0 {
		fmt.Fprintf(&b, "Items on screen: %s\n", strings.Join(req.ItemNames, ", "))
	}
	fmt.Fprintf(&b, "Cart total: $%.2f\n", req.CartTotal)
	for _, t := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	out, err := l.complete(ctx, fmt.Sprintf(respondPrompt, limit), b.String())
	if err != nil {
		return agent.RespondResult{}, err
	}
	out = strings.Trim(out, "\"")
	if r := []rune(out); len(r) > limit {
		out = string(r[:limit])
	}
	return agent.RespondResult{Utterance: out}, nil
}
