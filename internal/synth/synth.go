package synth

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"kiosk/internal/agent"
	"kiosk/internal/router"
	"kiosk/internal/session"
	"kiosk/pkg/logger"
)

// Kind names the kind of cycle being rendered.
type Kind string

const (
	KindWelcome       Kind = "welcome"
	KindListening     Kind = "listening"
	KindClarify       Kind = "clarify"
	KindResults       Kind = "results"
	KindPaymentFailed Kind = "payment_failed"
	KindComplete      Kind = "complete"
	KindFarewell      Kind = "farewell"
)

const maxUtterance = 160

// Responder produces utterances. agent.Language satisfies it.
type Responder interface {
	Respond(ctx context.Context, req agent.RespondRequest) (string, error)
}

// Input is everything one descriptor is built from.
type Input struct {
	Kind    Kind
	Session *session.Session
	Outcome *router.Outcome
	// Payment is set for payment cycles.
	Payment *PaymentData
}

// Options tunes the synthesizer.
type Options struct {
	GridMax     int
	HistoryTail int
}

// Synthesizer builds descriptors.
type Synthesizer struct {
	language    Responder
	gridMax     int
	historyTail int
	log         zerolog.Logger
}

// New creates a synthesizer. language may be nil, in which case every
// utterance comes from the built-in templates.
func New(language Responder, opts Options) *Synthesizer {
	if opts.GridMax <= 0 {
		opts.GridMax = 9
	}
	if opts.HistoryTail <= 0 {
		opts.HistoryTail = 6
	}
	return &Synthesizer{
		language:    language,
		gridMax:     opts.GridMax,
		historyTail: opts.HistoryTail,
		log:         logger.Component("synth"),
	}
}

// Synthesize builds exactly one descriptor for in. The layout, components,
// cart and actions depend only on in; the utterance additionally depends on
// the language service reply.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) *Descriptor {
	sess := in.Session
	d := &Descriptor{
		SessionID: sess.ID,
		State:     string(sess.State),
		Cart:      cartView(sess),
	}
	out := in.Outcome
	if out == nil {
		out = &router.Outcome{}
	}

	switch in.Kind {
	case KindWelcome:
		d.LayoutMode = LayoutAttract
		d.Components = []Component{{Type: ComponentWelcome, Data: MessageData{
			Title: "Welcome",
			Text:  "Tell me what you're craving or tap to browse the menu.",
		}}}
	case KindListening, KindClarify:
		d.LayoutMode = LayoutConversation
		text := "What would you like?"
		if in.Kind == KindClarify {
			text = "Sorry, I didn't catch that."
		}
		d.Components = []Component{{Type: ComponentMessage, Data: MessageData{Text: text}}}
	case KindResults:
		d.LayoutMode, d.Components = s.results(sess, out)
	case KindPaymentFailed:
		d.LayoutMode = LayoutCheckout
		d.Components = []Component{{Type: ComponentPayment, Data: paymentData(in.Payment, "failed")}}
	case KindComplete:
		d.LayoutMode = LayoutFarewell
		d.Components = []Component{{Type: ComponentPayment, Data: paymentData(in.Payment, "approved")}}
	default:
		d.LayoutMode = LayoutFarewell
		d.Components = []Component{{Type: ComponentMessage, Data: MessageData{Text: "Thanks for stopping by!"}}}
	}
	d.SuggestedActions = Actions(in.Kind, sess, Shown(out, s.gridMax))
	d.Utterance = s.utterance(ctx, in, out)
	return d
}

func (s *Synthesizer) results(sess *session.Session, out *router.Outcome) (string, []Component) {
	var comps []Component
	layout := LayoutConversation

	switch {
	case len(out.Items) == 1:
		item := out.Items[0]
		inCart := 0
		if l, ok := sess.Line(item.ItemID); ok {
			inCart = l.Quantity
		}
		layout = LayoutHero
		comps = append(comps, Component{Type: ComponentHero, Data: HeroData{Item: item, InCart: inCart}})
	case len(out.Items) > 1:
		layout = LayoutGrid
		comps = append(comps, Component{Type: ComponentGrid, Data: GridData{Items: capped(out.Items, s.gridMax), Total: len(out.Items)}})
	case out.EmptyCart:
		comps = append(comps, Component{Type: ComponentMessage, Data: MessageData{Text: "Your cart is empty."}})
	case menuDown(out):
		comps = append(comps, Component{Type: ComponentMessage, Data: MessageData{
			Text: "The menu is taking a moment. Please try again shortly.",
		}})
	}

	if out.Added != nil {
		comps = append(comps, Component{Type: ComponentCartUpdate, Data: CartUpdateData{Line: *out.Added}})
	}
	if len(out.Unavailable) > 0 {
		comps = append(comps, Component{Type: ComponentUnavailable, Data: UnavailableData{Notices: out.Unavailable}})
	}
	if len(out.Suggestions) > 0 {
		comps = append(comps, Component{Type: ComponentSuggestions, Data: SuggestionsData{Suggestions: out.Suggestions}})
	}
	if len(comps) == 0 {
		comps = append(comps, Component{Type: ComponentMessage, Data: MessageData{Text: "Anything else?"}})
	}
	return layout, comps
}

func paymentData(p *PaymentData, status string) PaymentData {
	if p == nil {
		return PaymentData{Status: status}
	}
	out := *p
	if out.Status == "" {
		out.Status = status
	}
	return out
}

func menuDown(out *router.Outcome) bool {
	for _, d := range out.Degraded {
		if d == "menu" {
			return true
		}
	}
	return false
}

// ShownItem is an item put on screen by a cycle.
type ShownItem struct {
	ItemID int
	Name   string
}

// Shown lists the items a results cycle puts on screen, in order.
func Shown(out *router.Outcome, gridMax int) []ShownItem {
	if out == nil {
		return nil
	}
	items := capped(out.Items, gridMax)
	shown := make([]ShownItem, 0, len(items)+len(out.Suggestions))
	for _, it := range items {
		shown = append(shown, ShownItem{ItemID: it.ItemID, Name: it.Name})
	}
	for _, sg := range out.Suggestions {
		shown = append(shown, ShownItem{ItemID: sg.ItemID, Name: sg.Name})
	}
	return shown
}

// ShownIDs returns the ids of shown.
func ShownIDs(shown []ShownItem) []int {
	ids := make([]int, len(shown))
	for i, it := range shown {
		ids[i] = it.ItemID
	}
	return ids
}

// Actions derives suggested actions from the cycle kind, the cart and the
// items on screen. The same arguments always give the same actions.
func Actions(kind Kind, sess *session.Session, shown []ShownItem) []Action {
	hasCart := len(sess.Cart) > 0
	var acts []Action
	switch kind {
	case KindWelcome:
		acts = append(acts,
			Action{Label: "Browse menu", Action: router.ActionSearch},
			Action{Label: "What's popular?", Action: router.ActionRecommend},
		)
	case KindListening, KindClarify:
		acts = append(acts,
			Action{Label: "Browse menu", Action: router.ActionSearch},
			Action{Label: "Recommend something", Action: router.ActionRecommend},
		)
		if hasCart {
			acts = append(acts, Action{Label: "Checkout", Action: router.ActionCheckout})
		}
	case KindResults:
		added := 0
		seen := map[int]bool{}
		for _, it := range shown {
			if added == 3 {
				break
			}
			if _, ok := sess.Line(it.ItemID); ok || seen[it.ItemID] {
				continue
			}
			seen[it.ItemID] = true
			id := it.ItemID
			acts = append(acts, Action{Label: "Add " + it.Name, Action: router.ActionAddToCart, ItemID: &id})
			added++
		}
		if hasCart {
			acts = append(acts, Action{Label: "Checkout", Action: router.ActionCheckout})
		}
		acts = append(acts, Action{Label: "Keep ordering", Action: router.ActionKeepOrdering})
		if hasCart {
			acts = append(acts, Action{Label: "Start over", Action: router.ActionStartOver})
		}
	case KindPaymentFailed:
		acts = append(acts,
			Action{Label: "Try again", Action: router.ActionCheckout},
			Action{Label: "Keep ordering", Action: router.ActionKeepOrdering},
			Action{Label: "Start over", Action: router.ActionStartOver},
		)
	}
	if acts == nil {
		acts = []Action{}
	}
	return acts
}

type resultsData struct {
	Added       *session.CartLine
	EmptyCart   bool
	Items       []agent.MenuItem
	Found       int
	MenuDown    bool
	CartChanged bool
	Suggestions []agent.Suggestion
	TotalCents  int64
	Notice      string
	Pitch       string
}

func (s *Synthesizer) utterance(ctx context.Context, in Input, out *router.Outcome) string {
	sess := in.Session
	fallback := s.fallback(in, out)
	if s.language == nil {
		return fallback
	}
	req := agent.RespondRequest{
		State:     string(sess.State),
		Summary:   fallback,
		ItemNames: itemNames(out, s.gridMax),
		CartTotal: float64(sess.TotalCents()) / 100,
		History:   tail(sess.History, s.historyTail),
		MaxLength: maxUtterance,
	}
	text, err := s.language.Respond(ctx, req)
	if err != nil {
		s.log.Debug().Err(err).Str("session_id", sess.ID).Msg("utterance from template")
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	if r := []rune(text); len(r) > maxUtterance {
		text = string(r[:maxUtterance])
	}
	return text
}

// capped returns the items that fit the grid.
func capped(items []agent.MenuItem, max int) []agent.MenuItem {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}

func (s *Synthesizer) fallback(in Input, out *router.Outcome) string {
	var data any
	switch in.Kind {
	case KindResults:
		rd := resultsData{
			Added:       out.Added,
			EmptyCart:   out.EmptyCart,
			Items:       capped(out.Items, s.gridMax),
			Found:       len(out.Items),
			MenuDown:    menuDown(out),
			CartChanged: out.CartChanged,
			Suggestions: out.Suggestions,
			TotalCents:  in.Session.TotalCents(),
		}
		if len(out.Unavailable) > 0 {
			n := out.Unavailable[0]
			name := n.Name
			if name == "" {
				name = "that item"
			}
			rd.Notice = name + " is " + strings.ToLower(unavailableText(n))
		}
		if len(out.Suggestions) > 0 && out.Suggestions[0].Pitch != "" {
			rd.Pitch = strings.TrimRight(out.Suggestions[0].Pitch, ".?!")
		}
		data = rd
	case KindPaymentFailed:
		msg := ""
		if in.Payment != nil {
			msg = in.Payment.Message
		}
		data = struct{ Notice string }{msg}
	default:
		data = struct{ TotalCents int64 }{in.Session.TotalCents()}
	}
	name := string(in.Kind)
	if in.Kind == "" {
		name = string(KindFarewell)
	}
	text, err := render(name, data)
	if err != nil {
		s.log.Error().Err(err).Msg("render utterance")
		return "How can I help?"
	}
	return text
}

func unavailableText(n router.Notice) string {
	switch n.Code {
	case agent.CodeOutOfStock:
		return "out of stock right now"
	case agent.CodeNotFound:
		return "not on the menu"
	case agent.CodeHardwareError:
		return "unavailable because of a machine problem"
	default:
		return "unavailable right now"
	}
}

func itemNames(out *router.Outcome, max int) []string {
	var names []string
	for i, it := range out.Items {
		if i == max {
			break
		}
		names = append(names, it.Name)
	}
	return names
}

func tail(turns []session.Turn, n int) []session.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
