package responders

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/session"
)

type stubCompleter struct {
	out    string
	err    error
	system string
	user   string
}

func (s *stubCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.system, s.user = system, user
	return s.out, s.err
}

func newSet(t *testing.T, completer Completer) (*Set, *agent.Agents) {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	catalog := NewCatalog(DefaultItems())
	set := &Set{
		Catalog:  catalog,
		Recsys:   NewRecommender(catalog, nil, nil),
		Payment:  NewPayment(50, 0),
		Hardware: NewHardware(),
		Language: NewLanguage(completer),
	}
	g, err := Serve(b, set)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	agents, err := agent.New(b, &config.Config{}, nil)
	require.NoError(t, err)
	return set, agents
}

func TestCatalogSearch(t *testing.T) {
	c := NewCatalog(DefaultItems())
	ctx := context.Background()

	tests := []struct {
		name string
		req  agent.SearchRequest
		want []int
	}{
		{"by name", agent.SearchRequest{Query: "burger"}, []int{101, 102, 103}},
		{"plural", agent.SearchRequest{Query: "burgers"}, []int{101, 102, 103}},
		{"by description", agent.SearchRequest{Query: "jalapeños"}, []int{101}},
		{"case insensitive", agent.SearchRequest{Query: "COLA"}, []int{301}},
		{"tags", agent.SearchRequest{Tags: []string{"drink"}}, []int{301}},
		{"dietary", agent.SearchRequest{Query: "burger", DietaryFilters: []string{"vegetarian"}}, []int{103}},
		{"limit", agent.SearchRequest{Query: "burger", Limit: 1}, []int{101}},
		{"no match", agent.SearchRequest{Query: "sushi"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Search(ctx, tt.req)
			require.NoError(t, err)
			var ids []int
			for _, it := range res.Items {
				ids = append(ids, it.ItemID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	res, err := c.Search(ctx, agent.SearchRequest{Query: "burger", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
}

func TestCatalogDetailsAndAvailability(t *testing.T) {
	c := NewCatalog(DefaultItems())
	ctx := context.Background()

	it, err := c.Details(ctx, agent.DetailsRequest{ItemID: 101})
	require.NoError(t, err)
	assert.Equal(t, "Volcano Burger", it.Name)
	assert.Equal(t, 850, it.Calories)

	_, err = c.Details(ctx, agent.DetailsRequest{ItemID: 999})
	assert.True(t, agent.IsCode(err, agent.CodeNotFound))

	require.True(t, c.SetAvailable(201, false))
	assert.False(t, c.SetAvailable(999, false))
	av, err := c.Availability(ctx, agent.AvailabilityRequest{ItemIDs: []int{101, 201, 999}})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{101: true, 201: false, 999: false}, av.Available)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "menu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`items:
  - item_id: 1
    name: Taco
    price: 4.5
    available: true
  - item_id: 2
    name: Churro
    price: 2
    available: false
`), 0600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []int{1, 2}, c.IDs())
	it, ok := c.Item(2)
	require.True(t, ok)
	assert.False(t, it.Available)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("items:\n  - item_id: 1\n    name: A\n  - item_id: 1\n    name: B\n"), 0600))
	_, err = LoadCatalog(bad)
	assert.Error(t, err)

	_, err = LoadCatalog(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalogWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "menu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("items:\n  - item_id: 1\n    name: Taco\n    available: true\n"), 0600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.Watch())
	defer func() { _ = c.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("items:\n  - item_id: 1\n    name: Taco\n    available: true\n  - item_id: 2\n    name: Nachos\n    available: true\n"), 0600))
	assert.Eventually(t, func() bool { return c.Len() == 2 }, 3*time.Second, 20*time.Millisecond)

	// a broken file keeps the last good menu
	require.NoError(t, os.WriteFile(path, []byte("items: ["), 0600))
	time.Sleep(3 * reloadDebounce)
	assert.Equal(t, 2, c.Len())
}

func TestRecommender(t *testing.T) {
	c := NewCatalog(DefaultItems())
	ctx := context.Background()

	t.Run("burger gets combo and drink", func(t *testing.T) {
		r := NewRecommender(c, nil, nil)
		res, err := r.Suggest(ctx, agent.SuggestRequest{Cart: []agent.CartItem{{ItemID: 101, Name: "Volcano Burger", Quantity: 1}}})
		require.NoError(t, err)
		require.Len(t, res.Suggestions, 2)
		assert.Equal(t, 201, res.Suggestions[0].ItemID)
		assert.Equal(t, "upsell_combo", res.Suggestions[0].Reason)
		assert.Equal(t, 301, res.Suggestions[1].ItemID)
	})

	t.Run("names resolved from catalog", func(t *testing.T) {
		r := NewRecommender(c, nil, nil)
		res, err := r.Suggest(ctx, agent.SuggestRequest{Cart: []agent.CartItem{{ItemID: 102, Quantity: 1}}})
		require.NoError(t, err)
		assert.Len(t, res.Suggestions, 2)
	})

	t.Run("skips cart items", func(t *testing.T) {
		r := NewRecommender(c, nil, nil)
		res, err := r.Suggest(ctx, agent.SuggestRequest{Cart: []agent.CartItem{
			{ItemID: 101, Name: "Volcano Burger", Quantity: 1},
			{ItemID: 201, Name: "Crispy Fries", Quantity: 1},
		}})
		require.NoError(t, err)
		require.Len(t, res.Suggestions, 1)
		assert.Equal(t, 301, res.Suggestions[0].ItemID)
	})

	t.Run("weather", func(t *testing.T) {
		r := NewRecommender(c, nil, map[string]string{"weather": "hot"})
		res, err := r.Suggest(ctx, agent.SuggestRequest{})
		require.NoError(t, err)
		require.Len(t, res.Suggestions, 1)
		assert.Equal(t, "weather_hot", res.Suggestions[0].Reason)
	})

	t.Run("empty cart", func(t *testing.T) {
		r := NewRecommender(c, nil, nil)
		res, err := r.Suggest(ctx, agent.SuggestRequest{})
		require.NoError(t, err)
		assert.NotNil(t, res.Suggestions)
		assert.Empty(t, res.Suggestions)
	})

	t.Run("limit", func(t *testing.T) {
		r := NewRecommender(c, nil, nil)
		res, err := r.Suggest(ctx, agent.SuggestRequest{Cart: []agent.CartItem{{ItemID: 101, Name: "Volcano Burger"}}, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, res.Suggestions, 1)
	})
}

func TestPayment(t *testing.T) {
	ctx := context.Background()
	p := NewPayment(20, 0)

	res, err := p.Charge(ctx, agent.ChargeRequest{SessionID: "s", AmountCents: 1299, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Status)
	assert.Equal(t, int64(1299), res.AmountCents)
	assert.NotEmpty(t, res.TransactionID)

	_, err = p.Charge(ctx, agent.ChargeRequest{AmountCents: 2001})
	assert.True(t, agent.IsCode(err, agent.CodePaymentDeclined))

	_, err = p.Charge(ctx, agent.ChargeRequest{AmountCents: 0})
	assert.True(t, agent.IsCode(err, agent.CodeInvalidRequest))
	assert.Equal(t, int64(3), p.Charges())

	slow := NewPayment(0, time.Second)
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = slow.Charge(cctx, agent.ChargeRequest{AmountCents: 100})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHardware(t *testing.T) {
	h := NewHardware()
	ack, err := h.Command(context.Background(), agent.HardwareCommand{Device: "printer", Action: "print_receipt"})
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)

	_, err = h.Command(context.Background(), agent.HardwareCommand{Device: "toaster", Action: "on"})
	assert.True(t, agent.IsCode(err, agent.CodeHardwareError))
}

func TestParseIntent(t *testing.T) {
	in, err := parseIntent("```json\n{\"name\":\"add_to_cart\",\"query\":\"fries\",\"quantity\":2,\"confidence\":0.9}\n```")
	require.NoError(t, err)
	assert.Equal(t, session.IntentAddToCart, in.Name)
	assert.Equal(t, "fries", in.Query)
	assert.Equal(t, 2, in.Quantity)
	assert.InDelta(t, 0.9, in.Confidence, 1e-9)

	in, err = parseIntent(`{"name":"dance","confidence":0.99}`)
	require.NoError(t, err)
	assert.Equal(t, session.IntentUnclear, in.Name)
	assert.Zero(t, in.Confidence)

	in, err = parseIntent(`Sure! {"name":"checkout","confidence":3}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, in.Confidence)

	_, err = parseIntent("I think they want fries")
	assert.Error(t, err)
}

func TestLanguageWithoutModel(t *testing.T) {
	l := NewLanguage(nil)
	_, err := l.DeriveIntent(context.Background(), agent.IntentRequest{Text: "burger"})
	assert.True(t, agent.IsCode(err, agent.CodeUnavailable))
	_, err = l.Respond(context.Background(), agent.RespondRequest{Summary: "hi"})
	assert.True(t, agent.IsCode(err, agent.CodeUnavailable))
}

func TestLanguageRespondBounded(t *testing.T) {
	stub := &stubCompleter{out: "\"Here are our burgers, the Volcano Burger is a favourite!\""}
	l := NewLanguage(stub)
	res, err := l.Respond(context.Background(), agent.RespondRequest{
		State:     "UPDATING",
		Summary:   "Here are our burgers.",
		ItemNames: []string{"Volcano Burger"},
		MaxLength: 20,
	})
	require.NoError(t, err)
	assert.Len(t, []rune(res.Utterance), 20)
	assert.Contains(t, stub.user, "Volcano Burger")
	assert.Contains(t, stub.system, "20 characters")
}

func TestServeOverBus(t *testing.T) {
	stub := &stubCompleter{out: `{"name":"search_menu","query":"burger","confidence":0.8}`}
	set, agents := newSet(t, stub)
	ctx := context.Background()

	res, err := agents.Menu.Search(ctx, agent.SearchRequest{Query: "fries"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 201, res.Items[0].ItemID)

	_, err = agents.Menu.Details(ctx, 999)
	assert.True(t, agent.IsCode(err, agent.CodeNotFound))

	av, err := agents.Menu.Availability(ctx, []int{101})
	require.NoError(t, err)
	assert.True(t, av[101])

	sug, err := agents.Recsys.Suggest(ctx, agent.SuggestRequest{Cart: []agent.CartItem{{ItemID: 101, Name: "Volcano Burger"}}})
	require.NoError(t, err)
	assert.Len(t, sug.Suggestions, 2)

	pay, err := agents.Payment.Charge(ctx, agent.ChargeRequest{SessionID: "s", AmountCents: 2497, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(2497), pay.AmountCents)
	_, err = agents.Payment.Charge(ctx, agent.ChargeRequest{SessionID: "s", AmountCents: 9999, Currency: "USD"})
	assert.True(t, agent.IsCode(err, agent.CodePaymentDeclined))
	assert.Equal(t, int64(2), set.Payment.Charges())

	_, err = agents.Hardware.Command(ctx, agent.HardwareCommand{Device: "printer", Action: "print_receipt"})
	require.NoError(t, err)

	in, err := agents.Language.DeriveIntent(ctx, agent.IntentRequest{Text: "show me burgers", State: "LISTENING"})
	require.NoError(t, err)
	assert.Equal(t, session.IntentSearchMenu, in.Name)
	assert.Equal(t, session.SourceLanguage, in.Source)
	assert.Contains(t, stub.user, "Customer: show me burgers")

	stub.err = errors.New("quota exceeded")
	_, err = agents.Language.DeriveIntent(ctx, agent.IntentRequest{Text: "burger"})
	assert.True(t, agent.IsCode(err, agent.CodeUnavailable))
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{Responders: config.RespondersConfig{PaymentDeclineAt: 10, Weather: "hot"}}
	set, err := FromConfig(cfg)
	require.NoError(t, err)
	defer func() { _ = set.Close() }()

	assert.Equal(t, len(DefaultItems()), set.Catalog.Len())
	_, err = set.Payment.Charge(context.Background(), agent.ChargeRequest{AmountCents: 1001})
	assert.True(t, agent.IsCode(err, agent.CodePaymentDeclined))
	res, err := set.Recsys.Suggest(context.Background(), agent.SuggestRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Suggestions, 1)
	assert.Nil(t, set.Language.completer)

	_, err = FromConfig(&config.Config{Responders: config.RespondersConfig{CatalogPath: "/nonexistent/menu.yaml"}})
	assert.Error(t, err)
}
