package responders

import (
	"fmt"
	"strings"

	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/pkg/logger"
)

// Set holds one instance of every reference service.
type Set struct {
	Catalog  *Catalog
	Recsys   *Recommender
	Payment  *Payment
	Hardware *Hardware
	Language *Language
}

// FromConfig builds the reference services described by cfg.
func FromConfig(cfg *config.Config) (*Set, error) {
	catalog := NewCatalog(DefaultItems())
	if p := cfg.Responders.CatalogPath; p != "" {
		c, err := LoadCatalog(p)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	var ambient map[string]string
	if w := strings.TrimSpace(cfg.Responders.Weather); w != "" {
		ambient = map[string]string{"weather": w}
	}
	var completer Completer
	if c := NewOpenAICompleter(cfg.Language); c != nil {
		completer = c
	}
	return &Set{
		Catalog:  catalog,
		Recsys:   NewRecommender(catalog, nil, ambient),
		Payment:  NewPayment(cfg.Responders.PaymentDeclineAt, 0),
		Hardware: NewHardware(),
		Language: NewLanguage(completer),
	}, nil
}

// Serve registers every service of s on b. Nil members are skipped.
func Serve(b bus.Bus, s *Set) (*Group, error) {
	var routes []route
	if s.Catalog != nil {
		routes = append(routes,
			route{bus.SubjectMenuSearch, bus.QueueMenu, serve(config.ServiceMenu, s.Catalog.Search)},
			route{bus.SubjectMenuDetails, bus.QueueMenu, serve(config.ServiceMenu, s.Catalog.Details)},
			route{bus.SubjectMenuAvailability, bus.QueueMenu, serve(config.ServiceMenu, s.Catalog.Availability)},
		)
	}
	if s.Recsys != nil {
		routes = append(routes, route{bus.SubjectRecsysSuggest, bus.QueueRecsys, serve(config.ServiceRecsys, s.Recsys.Suggest)})
	}
	if s.Payment != nil {
		routes = append(routes, route{bus.SubjectPaymentCharge, bus.QueuePayment, serve(config.ServicePayment, s.Payment.Charge)})
	}
	if s.Hardware != nil {
		routes = append(routes, route{bus.SubjectHardwareCommand, bus.QueueHardware, serve(config.ServiceHardware, s.Hardware.Command)})
	}
	if s.Language != nil {
		routes = append(routes,
			route{bus.SubjectLanguageIntent, bus.QueueLanguage, serve(config.ServiceLanguage, s.Language.DeriveIntent)},
			route{bus.SubjectLanguageRespond, bus.QueueLanguage, serve(config.ServiceLanguage, s.Language.Respond)},
		)
	}
	g, err := register(b, routes)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("responders", len(routes)).Msg("reference services ready")
	return g, nil
}

// Close releases resources held by the set.
func (s *Set) Close() error {
	if s.Catalog != nil {
		if err := s.Catalog.Close(); err != nil {
			return fmt.Errorf("close catalog: %w", err)
		}
	}
	return nil
}
