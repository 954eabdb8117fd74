package session

// Intent names understood by the router.
const (
	IntentSearchMenu     = "search_menu"
	IntentItemDetails    = "item_details"
	IntentAddToCart      = "add_to_cart"
	IntentRemoveFromCart = "remove_from_cart"
	IntentSetQuantity    = "set_quantity"
	IntentRecommend      = "recommend"
	IntentCheckout       = "checkout"
	IntentUnclear        = "unclear"
)

// Intent sources.
const (
	SourceLanguage = "language"
	SourceKeyword  = "keyword"
	SourceTouch    = "touch"
	SourceUpstream = "upstream"
)

// Intent is a structured interpretation of what the customer wants.
type Intent struct {
	Name           string            `json:"name"`
	Query          string            `json:"query,omitempty"`
	ItemID         int               `json:"item_id,omitempty"`
	Quantity       int               `json:"quantity,omitempty"`
	Customizations []string          `json:"customizations,omitempty"`
	Entities       map[string]string `json:"entities,omitempty"`
	Confidence     float64           `json:"confidence"`
	Source         string            `json:"source"`
	RawText        string            `json:"raw_text,omitempty"`
}

// Clone returns a deep copy.
func (i Intent) Clone() Intent {
	c := i
	c.Customizations = append([]string(nil), i.Customizations...)
	if i.Entities != nil {
		c.Entities = make(map[string]string, len(i.Entities))
		for k, v := range i.Entities {
			c.Entities[k] = v
		}
	}
	return c
}

// Unclear reports whether the intent should send the customer back to listening.
func (i Intent) Unclear(minConfidence float64) bool {
	return i.Name == "" || i.Name == IntentUnclear || i.Confidence < minConfidence
}
