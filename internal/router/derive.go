package router

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"kiosk/internal/agent"
	"kiosk/internal/session"
)

// Confidence assigned to keyword matches.
const (
	keywordConfidence  = 0.7
	fallbackConfidence = 0.55
)

var (
	paymentPhrases = []string{
		"check out", "checkout", "pay", "that's all", "thats all", "that is all",
		"i'm done", "im done", "i am done", "finish", "place my order", "place order",
	}
	recommendPhrases = []string{
		"recommend", "suggest", "what's good", "whats good", "what is good", "surprise me",
		"popular",
	}
	removePhrases = []string{"remove", "take off", "delete", "no more", "cancel the", "drop the"}
	orderPhrases  = []string{
		"i want", "i'd like", "id like", "i would like", "can i get", "could i get", "can i have",
		"give me", "i'll have", "ill have", "i will have", "get me", "i'll take", "ill take",
		"order", "add", "show me", "looking for", "do you have", "i need",
	}
	stopwords = map[string]bool{
		"a": true, "an": true, "the": true, "some": true, "please": true, "me": true,
		"to": true, "of": true, "and": true, "with": true, "for": true, "my": true,
		"like": true, "want": true, "get": true, "have": true, "uh": true, "um": true,
		"i": true, "can": true, "you": true, "maybe": true, "hi": true, "hello": true,
		"hey": true, "yes": true, "no": true, "ok": true, "okay": true, "thanks": true,
	}
	numberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
	dietaryWords = map[string]string{
		"vegetarian":  "vegetarian",
		"veggie":      "vegetarian",
		"vegan":       "vegan",
		"gluten-free": "gluten_free",
		"gluten free": "gluten_free",
		"dairy-free":  "dairy_free",
		"dairy free":  "dairy_free",
		"nut-free":    "nut_free",
		"nut free":    "nut_free",
		"halal":       "halal",
		"kosher":      "kosher",
		"low calorie": "low_calorie",
		"low-calorie": "low_calorie",
		"spicy":       "spicy",
	}
)

// Derive interprets text through the language service. When the service
// fails or is short-circuited the deterministic keyword interpretation is
// used instead.
func (r *Router) Derive(ctx context.Context, sess *session.Session, text string) session.Intent {
	if r.services.Language != nil {
		in, err := r.services.Language.DeriveIntent(ctx, agent.IntentRequest{
			Text:    text,
			State:   string(sess.State),
			History: tail(sess.History, 6),
			Cart:    agent.CartItems(sess.Cart),
		})
		if err == nil && in != nil {
			if in.RawText == "" {
				in.RawText = text
			}
			return *in
		}
		r.log.Warn().Err(err).
			Str("session_id", sess.ID).
			Msg("language derivation failed, using keyword fallback")
	}
	return KeywordIntent(text)
}

// KeywordIntent maps text to an intent without any collaborator.
func KeywordIntent(text string) session.Intent {
	norm := normalize(text)
	in := session.Intent{Source: session.SourceKeyword, RawText: text}
	if norm == "" {
		in.Name = session.IntentUnclear
		return in
	}
	if d := dietary(norm); len(d) > 0 {
		in.Entities = map[string]string{"dietary": strings.Join(d, ",")}
	}

	switch {
	case containsAny(norm, paymentPhrases):
		in.Name = session.IntentCheckout
		in.Confidence = keywordConfidence
		return in
	case containsAny(norm, recommendPhrases):
		in.Name = session.IntentRecommend
		in.Confidence = keywordConfidence
		return in
	}

	if p, ok := leadingPhrase(norm, removePhrases); ok {
		in.Name = session.IntentRemoveFromCart
		in.Query = strings.Join(content(strings.Fields(strings.TrimPrefix(norm, p))), " ")
		in.Confidence = keywordConfidence
		if in.Query == "" {
			in.Name = session.IntentUnclear
			in.Confidence = 0
		}
		return in
	}

	words := strings.Fields(norm)
	if containsAny(norm, orderPhrases) {
		in.Name = session.IntentSearchMenu
		in.Confidence = keywordConfidence
		in.Quantity, words = quantity(words)
		in.Query = strings.Join(content(stripPhrases(words)), " ")
		return in
	}

	rest := content(words)
	if len(rest) > 0 && len(rest) <= 3 {
		in.Name = session.IntentSearchMenu
		in.Confidence = fallbackConfidence
		in.Quantity, rest = quantity(rest)
		in.Query = strings.Join(rest, " ")
		return in
	}
	if len(in.Entities) > 0 {
		in.Name = session.IntentSearchMenu
		in.Confidence = fallbackConfidence
		return in
	}
	in.Name = session.IntentUnclear
	return in
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsAny matches phrases on word boundaries.
func containsAny(norm string, phrases []string) bool {
	padded := " " + norm + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func leadingPhrase(norm string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if norm == p || strings.HasPrefix(norm, p+" ") {
			return p, true
		}
	}
	return "", false
}

func stripPhrases(words []string) []string {
	norm := " " + strings.Join(words, " ") + " "
	for _, p := range orderPhrases {
		norm = strings.ReplaceAll(norm, " "+p+" ", " ")
	}
	return strings.Fields(norm)
}

func content(words []string) []string {
	out := words[:0:0]
	for _, w := range words {
		if stopwords[w] || dietaryWords[w] != "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func quantity(words []string) (int, []string) {
	for i, w := range words {
		n, ok := numberWords[w]
		if !ok {
			v, err := strconv.Atoi(w)
			if err != nil || v <= 0 || v > 20 {
				continue
			}
			n = v
		}
		rest := append(append([]string(nil), words[:i]...), words[i+1:]...)
		return n, rest
	}
	return 0, words
}

func dietary(norm string) []string {
	seen := map[string]bool{}
	var out []string
	for phrase, tag := range dietaryWords {
		if containsAny(norm, []string{phrase}) && !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

func tail(turns []session.Turn, n int) []session.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
