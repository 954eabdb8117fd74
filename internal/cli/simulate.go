package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kiosk/internal/bus"
	"kiosk/internal/envelope"
)

// simulateOptions 模拟事件的可选字段
type simulateOptions struct {
	Kiosk      string
	Session    string
	Trace      string
	Confidence float64
	AgeGroup   string
	PartySize  int
	ItemID     int
	Quantity   int
	Query      string
	Language   string
}

type simulatedEvent struct {
	subject string
	usage   string
	minArgs int
	build   func(args []string, o simulateOptions) map[string]any
}

var simulatedEvents = map[string]simulatedEvent{
	"person-detected": {
		subject: bus.SubjectPersonDetected,
		build: func(_ []string, o simulateOptions) map[string]any {
			return map[string]any{
				"confidence":           o.Confidence,
				"face_detected":        true,
				"estimated_age_group":  o.AgeGroup,
				"estimated_party_size": o.PartySize,
			}
		},
	},
	"person-left": {
		subject: bus.SubjectPersonLeft,
		build: func(_ []string, o simulateOptions) map[string]any {
			return map[string]any{"confidence": o.Confidence}
		},
	},
	"gaze": {
		subject: bus.SubjectGazeDetected,
		build: func(_ []string, _ simulateOptions) map[string]any {
			return map[string]any{"looking_at_screen": true, "duration_ms": 1500}
		},
	},
	"transcript": {
		subject: bus.SubjectTranscript,
		usage:   "<text>",
		minArgs: 1,
		build: func(args []string, o simulateOptions) map[string]any {
			return map[string]any{
				"text":       strings.Join(args, " "),
				"confidence": o.Confidence,
				"language":   o.Language,
				"is_final":   true,
			}
		},
	},
	"intent": {
		subject: bus.SubjectIntentDerived,
		usage:   "<intent_type> [raw text]",
		minArgs: 1,
		build: func(args []string, o simulateOptions) map[string]any {
			p := map[string]any{
				"intent_type": args[0],
				"confidence":  o.Confidence,
				"raw_text":    strings.Join(args[1:], " "),
			}
			if o.ItemID > 0 {
				p["item_id"] = o.ItemID
				p["quantity"] = o.Quantity
			}
			if o.Query != "" {
				p["entities"] = map[string]string{"query": o.Query}
			}
			return p
		},
	},
	"touch": {
		subject: bus.SubjectTouchAction,
		usage:   "<action>",
		minArgs: 1,
		build:   actionPayload,
	},
	"cart": {
		subject: bus.SubjectCartAction,
		usage:   "<action>",
		minArgs: 1,
		build:   actionPayload,
	},
}

func actionPayload(args []string, o simulateOptions) map[string]any {
	p := map[string]any{"action": args[0]}
	if o.ItemID > 0 {
		p["item_id"] = o.ItemID
	}
	if o.Quantity > 0 {
		p["quantity"] = o.Quantity
	}
	if o.Query != "" {
		p["query"] = o.Query
	}
	return p
}

// buildSimulatedEvent 构造模拟事件的主题与信封
func buildSimulatedEvent(kind string, args []string, o simulateOptions) (string, *envelope.Envelope, error) {
	ev, ok := simulatedEvents[kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown event %q (known: %s)", kind, strings.Join(simulatedEventNames(), ", "))
	}
	if len(args) < ev.minArgs {
		return "", nil, fmt.Errorf("usage: kiosk simulate %s %s", kind, ev.usage)
	}
	env, err := envelope.New(o.Session, o.Trace, ev.build(args, o))
	if err != nil {
		return "", nil, err
	}
	env.KioskID = o.Kiosk
	return ev.subject, env, nil
}

func simulatedEventNames() []string {
	names := make([]string, 0, len(simulatedEvents))
	for k := range simulatedEvents {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewSimulateCmd creates the simulate command.
func NewSimulateCmd() *cobra.Command {
	var o simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate <event> [args...]",
		Short: "Publish a test event on the bus",
		Long: `Publish one perception, speech or touch event the way the upstream
services would. Events: ` + strings.Join(simulatedEventNames(), ", ") + `.`,
		Example: `  kiosk simulate person-detected --age-group adult --party-size 2
  kiosk simulate gaze
  kiosk simulate transcript "show me something spicy"
  kiosk simulate intent add_to_cart --item 101 --quantity 2
  kiosk simulate touch add_to_cart --item 201
  kiosk simulate cart checkout
  kiosk simulate person-left`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}
			if o.Kiosk == "" {
				o.Kiosk = cliCtx.Config.Session.KioskID
			}
			subject, env, err := buildSimulatedEvent(args[0], args[1:], o)
			if err != nil {
				return err
			}
			b, err := cliCtx.Bus()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := b.Publish(ctx, subject, env); err != nil {
				return fmt.Errorf("publish %s: %w", subject, err)
			}
			fmt.Printf("Published %s (message %s, trace %s)\n", subject, env.MessageID, env.TraceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.Kiosk, "kiosk", "", "kiosk id (default from config)")
	cmd.Flags().StringVar(&o.Session, "session", "", "session id (default: the kiosk's active session)")
	cmd.Flags().StringVar(&o.Trace, "trace", "", "trace id (default: new trace)")
	cmd.Flags().Float64Var(&o.Confidence, "confidence", 0.95, "signal confidence")
	cmd.Flags().StringVar(&o.AgeGroup, "age-group", "adult", "estimated age group")
	cmd.Flags().IntVar(&o.PartySize, "party-size", 1, "estimated party size")
	cmd.Flags().IntVar(&o.ItemID, "item", 0, "menu item id")
	cmd.Flags().IntVar(&o.Quantity, "quantity", 0, "item quantity")
	cmd.Flags().StringVar(&o.Query, "query", "", "search query")
	cmd.Flags().StringVar(&o.Language, "language", "en", "transcript language")

	return cmd
}
