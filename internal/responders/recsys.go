package responders

import (
	"context"
	"strings"

	"kiosk/internal/agent"
)

const defaultSuggestLimit = 3

// Rule proposes one item when its trigger matches the cart or context.
type Rule struct {
	Name    string
	Trigger []string          // matched against cart item names
	Context map[string]string // matched against request context
	ItemID  int
	Pitch   string
	Reason  string
}

// DefaultRules is the built-in upsell table.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "burger_combo", Trigger: []string{"burger"}, ItemID: 201, Pitch: "Make it a combo and save $2!", Reason: "upsell_combo"},
		{Name: "drink_suggestion", Trigger: []string{"burger", "fries"}, ItemID: 301, Pitch: "Add a refreshing drink?", Reason: "complement"},
		{Name: "hot_weather", Context: map[string]string{"weather": "hot"}, ItemID: 301, Pitch: "Perfect to cool down!", Reason: "weather_hot"},
	}
}

// Recommender applies rules to a cart.
type Recommender struct {
	catalog *Catalog
	rules   []Rule
	context map[string]string
}

// NewRecommender builds a recommender. ambient is merged under the request
// context, e.g. the configured weather.
func NewRecommender(catalog *Catalog, rules []Rule, ambient map[string]string) *Recommender {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Recommender{catalog: catalog, rules: rules, context: ambient}
}

// Suggest returns at most Limit suggestions, skipping items already in the
// cart and items that cannot be ordered.
func (r *Recommender) Suggest(_ context.Context, req agent.SuggestRequest) (agent.SuggestResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSuggestLimit
	}
	inCart := make(map[int]bool, len(req.Cart))
	names := make([]string, 0, len(req.Cart))
	for _, ci := range req.Cart {
		inCart[ci.ItemID] = true
		name := ci.Name
		if name == "" {
			if it, ok := r.catalog.Item(ci.ItemID); ok {
				name = it.Name
			}
		}
		names = append(names, strings.ToLower(name))
	}
	ctx := make(map[string]string, len(r.context)+len(req.Context))
	for k, v := range r.context {
		ctx[k] = v
	}
	for k, v := range req.Context {
		ctx[k] = v
	}

	out := agent.SuggestResult{Suggestions: []agent.Suggestion{}}
	picked := make(map[int]bool)
	for _, rule := range r.rules {
		if len(out.Suggestions) >= limit {
			break
		}
		if inCart[rule.ItemID] || picked[rule.ItemID] || !rule.matches(names, ctx) {
			continue
		}
		it, ok := r.catalog.Item(rule.ItemID)
		if !ok || !it.Available {
			continue
		}
		picked[rule.ItemID] = true
		out.Suggestions = append(out.Suggestions, agent.Suggestion{
			ItemID: it.ItemID,
			Name:   it.Name,
			Price:  it.Price,
			Pitch:  rule.Pitch,
			Reason: rule.Reason,
		})
	}
	return out, nil
}

func (rule Rule) matches(names []string, ctx map[string]string) bool {
	if len(rule.Trigger) == 0 && len(rule.Context) == 0 {
		return false
	}
	for k, v := range rule.Context {
		if !strings.EqualFold(ctx[k], v) {
			return false
		}
	}
	if len(rule.Trigger) == 0 {
		return true
	}
	for _, n := range names {
		for _, t := range rule.Trigger {
			if strings.Contains(n, t) {
				return true
			}
		}
	}
	return false
}
