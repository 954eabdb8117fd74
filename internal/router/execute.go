package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kiosk/internal/agent"
	"kiosk/internal/session"
)

// Catalog is the menu collaborator.
type Catalog interface {
	Search(ctx context.Context, req agent.SearchRequest) (*agent.SearchResult, error)
	Details(ctx context.Context, itemID int) (*agent.MenuItem, error)
}

// Suggester is the recommendation collaborator.
type Suggester interface {
	Suggest(ctx context.Context, req agent.SuggestRequest) (*agent.SuggestResult, error)
}

// Deriver is the language collaborator used for intent derivation.
type Deriver interface {
	DeriveIntent(ctx context.Context, req agent.IntentRequest) (*session.Intent, error)
}

// Services are the collaborators an intent can fan out to. Nil members are
// treated as unavailable.
type Services struct {
	Menu     Catalog
	Recsys   Suggester
	Language Deriver
}

// Fan-out task names.
const (
	TaskSearch  = "menu.search"
	TaskDetails = "menu.details"
	TaskSuggest = "recsys.suggest"
)

const suggestionLimit = 3

var errNoService = agent.NewAgentError(agent.CodeUnavailable, "", "service not configured")

// Notice is an item or request that could not be served.
type Notice struct {
	ItemID  int             `json:"item_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Code    agent.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Outcome aggregates everything one intent produced.
type Outcome struct {
	Intent      session.Intent
	Items       []agent.MenuItem
	Suggestions []agent.Suggestion
	Unavailable []Notice
	// Degraded lists services that failed transiently and were replaced by
	// a fallback.
	Degraded    []string
	Added       *session.CartLine
	CartChanged bool
	Checkout    bool
	EmptyCart   bool
	Results     []Result
}

// Execute carries out in against the collaborators and the session cart.
// It always returns an outcome; failures become notices or degraded marks.
func (r *Router) Execute(ctx context.Context, sess *session.Session, in session.Intent) Outcome {
	out := Outcome{Intent: in}
	if d := in.Entities["dietary"]; d != "" {
		for _, tag := range strings.Split(d, ",") {
			sess.AddDietary(tag)
		}
	}

	switch in.Name {
	case session.IntentSearchMenu:
		r.search(ctx, sess, in, &out)
	case session.IntentItemDetails:
		if in.ItemID == 0 {
			r.search(ctx, sess, in, &out)
			break
		}
		r.details(ctx, sess, in, &out)
	case session.IntentAddToCart:
		r.add(ctx, sess, in, &out)
	case session.IntentRemoveFromCart, session.IntentSetQuantity:
		r.mutate(ctx, sess, in, &out)
	case session.IntentRecommend:
		res := Fanout(ctx, 0, r.suggestTask(sess, nil))
		out.Results = res
		r.collectSuggestions(sess, res[0], &out)
	case session.IntentCheckout:
		if len(sess.Cart) == 0 {
			out.EmptyCart = true
		} else {
			out.Checkout = true
		}
	default:
		out.Unavailable = append(out.Unavailable, Notice{
			Code:    agent.CodeInvalidRequest,
			Message: fmt.Sprintf("cannot handle %q", in.Name),
		})
	}
	return out
}

func (r *Router) searchTask(sess *session.Session, in session.Intent, limit int) Task {
	req := agent.SearchRequest{
		Query:          in.Query,
		DietaryFilters: sess.DietaryRestrictions,
		Limit:          limit,
	}
	return Task{Name: TaskSearch, Run: func(ctx context.Context) (any, error) {
		if r.services.Menu == nil {
			return nil, errNoService
		}
		return r.services.Menu.Search(ctx, req)
	}}
}

func (r *Router) detailsTask(itemID int) Task {
	return Task{Name: TaskDetails, Run: func(ctx context.Context) (any, error) {
		if r.services.Menu == nil {
			return nil, errNoService
		}
		return r.services.Menu.Details(ctx, itemID)
	}}
}

// suggestTask asks for suggestions for the cart plus any pending items.
func (r *Router) suggestTask(sess *session.Session, pending []agent.CartItem) Task {
	req := agent.SuggestRequest{
		Cart:  append(agent.CartItems(sess.Cart), pending...),
		Limit: suggestionLimit,
	}
	if len(sess.Demographics) > 0 {
		req.Context = make(map[string]string, len(sess.Demographics))
		for k, v := range sess.Demographics {
			req.Context[k] = v
		}
	}
	return Task{Name: TaskSuggest, Run: func(ctx context.Context) (any, error) {
		if r.services.Recsys == nil {
			return nil, errNoService
		}
		return r.services.Recsys.Suggest(ctx, req)
	}}
}

func (r *Router) search(ctx context.Context, sess *session.Session, in session.Intent, out *Outcome) {
	res := Fanout(ctx, 0, r.searchTask(sess, in, r.searchLimit), r.suggestTask(sess, nil))
	out.Results = res
	if res[0].OK() {
		found := res[0].Value.(*agent.SearchResult)
		out.Items = found.Items
		if len(found.Items) == 0 {
			out.Unavailable = append(out.Unavailable, Notice{
				Name:    in.Query,
				Code:    agent.CodeNotFound,
				Message: "no menu items match",
			})
		}
	} else {
		r.failed(res[0], in.Query, 0, out)
	}
	r.collectSuggestions(sess, res[1], out)
}

func (r *Router) details(ctx context.Context, sess *session.Session, in session.Intent, out *Outcome) {
	res := Fanout(ctx, 0, r.detailsTask(in.ItemID), r.suggestTask(sess, nil))
	out.Results = res
	if res[0].OK() {
		out.Items = []agent.MenuItem{*res[0].Value.(*agent.MenuItem)}
	} else {
		r.failed(res[0], "", in.ItemID, out)
	}
	r.collectSuggestions(sess, res[1], out)
}

func (r *Router) add(ctx context.Context, sess *session.Session, in session.Intent, out *Outcome) {
	qty := in.Quantity
	if qty <= 0 {
		qty = 1
	}
	itemID := in.ItemID
	if itemID == 0 {
		// Resolve a spoken item name to the best catalog match.
		res := Fanout(ctx, 0, r.searchTask(sess, in, 1))
		out.Results = append(out.Results, res...)
		if !res[0].OK() {
			r.failed(res[0], in.Query, 0, out)
			return
		}
		found := res[0].Value.(*agent.SearchResult)
		if len(found.Items) == 0 {
			out.Unavailable = append(out.Unavailable, Notice{
				Name: in.Query, Code: agent.CodeNotFound, Message: "no menu items match",
			})
			return
		}
		itemID = found.Items[0].ItemID
	}

	res := Fanout(ctx, 0,
		r.detailsTask(itemID),
		r.suggestTask(sess, []agent.CartItem{{ItemID: itemID, Quantity: qty}}),
	)
	out.Results = append(out.Results, res...)
	r.collectSuggestions(sess, res[1], out)
	if !res[0].OK() {
		r.failed(res[0], in.Query, itemID, out)
		return
	}
	item := res[0].Value.(*agent.MenuItem)
	if !item.Available {
		out.Items = []agent.MenuItem{*item}
		out.Unavailable = append(out.Unavailable, Notice{
			ItemID: item.ItemID, Name: item.Name, Code: agent.CodeOutOfStock, Message: "currently unavailable",
		})
		return
	}
	line := session.CartLine{
		ItemID:         item.ItemID,
		Name:           item.Name,
		Quantity:       qty,
		UnitPrice:      item.Price,
		Customizations: in.Customizations,
	}
	if err := sess.AddLine(line); err != nil {
		out.Unavailable = append(out.Unavailable, Notice{
			ItemID: item.ItemID, Name: item.Name, Code: agent.CodeInvalidRequest, Message: err.Error(),
		})
		return
	}
	out.Items = []agent.MenuItem{*item}
	out.Added = &line
	out.CartChanged = true
	out.Suggestions = withoutCart(sess, out.Suggestions)
}

func (r *Router) mutate(ctx context.Context, sess *session.Session, in session.Intent, out *Outcome) {
	itemID := in.ItemID
	if itemID == 0 {
		itemID = cartMatch(sess, in.Query)
	}
	var err error
	if in.Name == session.IntentRemoveFromCart {
		err = sess.RemoveItem(itemID)
	} else {
		err = sess.SetQuantity(itemID, in.Quantity)
	}
	switch {
	case errors.Is(err, session.ErrNotInCart):
		out.Unavailable = append(out.Unavailable, Notice{
			ItemID: itemID, Name: in.Query, Code: agent.CodeNotFound, Message: "not in your order",
		})
	case err != nil:
		out.Unavailable = append(out.Unavailable, Notice{
			ItemID: itemID, Name: in.Query, Code: agent.CodeInvalidRequest, Message: err.Error(),
		})
	default:
		out.CartChanged = true
	}
	res := Fanout(ctx, 0, r.suggestTask(sess, nil))
	out.Results = res
	r.collectSuggestions(sess, res[0], out)
}

// failed turns a task failure into a notice (domain errors) or a degraded
// service mark (everything else).
func (r *Router) failed(res Result, name string, itemID int, out *Outcome) {
	if agent.IsDomain(res.Err) {
		ae, _ := agent.AsAgentError(res.Err)
		out.Unavailable = append(out.Unavailable, Notice{
			ItemID: itemID, Name: name, Code: ae.Code, Message: ae.Message,
		})
		return
	}
	out.Degraded = appendUnique(out.Degraded, serviceOf(res.Name))
	r.log.Warn().Err(res.Err).Str("task", res.Name).Str("status", string(res.Status)).
		Msg("collaborator failed, using fallback")
}

func (r *Router) collectSuggestions(sess *session.Session, res Result, out *Outcome) {
	if !res.OK() {
		out.Degraded = appendUnique(out.Degraded, serviceOf(res.Name))
		return
	}
	found := res.Value.(*agent.SuggestResult)
	out.Suggestions = withoutCart(sess, found.Suggestions)
	if len(out.Suggestions) > suggestionLimit {
		out.Suggestions = out.Suggestions[:suggestionLimit]
	}
}

func withoutCart(sess *session.Session, in []agent.Suggestion) []agent.Suggestion {
	var out []agent.Suggestion
	for _, s := range in {
		if _, ok := sess.Line(s.ItemID); ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

// cartMatch finds a cart line by spoken name.
func cartMatch(sess *session.Session, query string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	for _, l := range sess.Cart {
		name := strings.ToLower(l.Name)
		if strings.Contains(name, q) || strings.Contains(q, name) {
			return l.ItemID
		}
		for _, w := range strings.Fields(q) {
			if strings.Contains(name, strings.TrimSuffix(w, "s")) {
				return l.ItemID
			}
		}
	}
	return 0
}

func serviceOf(task string) string {
	if i := strings.IndexByte(task, '.'); i > 0 {
		return task[:i]
	}
	return task
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
