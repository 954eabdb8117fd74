package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"kiosk/internal/gateway/handlers"
	"kiosk/internal/session"
	"kiosk/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewSessionCmd creates the session command.
func NewSessionCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect customer sessions",
		Long:  `List, view, and delete the sessions of a running orchestrator and read their transition audit log.`,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "url", "", "orchestrator admin URL (default from gateway config)")

	base := func(cmd *cobra.Command) string {
		if serverURL != "" {
			return strings.TrimRight(serverURL, "/")
		}
		if cliCtx := GetCLIContext(cmd); cliCtx != nil {
			return fmt.Sprintf("http://%s:%d", cliCtx.Config.Gateway.Host, cliCtx.Config.Gateway.Port)
		}
		return "http://127.0.0.1:8080"
	}

	cmd.AddCommand(newSessionListCmd(base))
	cmd.AddCommand(newSessionShowCmd(base))
	cmd.AddCommand(newSessionDeleteCmd(base))
	cmd.AddCommand(newSessionAuditCmd(base))

	return cmd
}

type baseURL func(cmd *cobra.Command) string

var httpClient = &http.Client{Timeout: 30 * time.Second}

// getJSON 请求管理接口并解码 JSON 响应
func getJSON(url string, out any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w\nIs the orchestrator running? Start it with: kiosk serve", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	var e handlers.ErrorResponse
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSessionListCmd(base baseURL) *cobra.Command {
	var (
		kiosk      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := base(cmd) + "/api/v1/sessions"
			if kiosk != "" {
				url += "?kiosk=" + kiosk
			}
			var body struct {
				Sessions []handlers.SessionSummary `json:"sessions"`
			}
			if err := getJSON(url, &body); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(body.Sessions)
			}
			if len(body.Sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIOSK\tSTATE\tITEMS\tTOTAL\tLAST ACTIVITY")
			for _, s := range body.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
					s.SessionID, s.KioskID, s.State, s.Items, s.CartTotal,
					s.LastActivity.Format("2006-01-02 15:04:05"))
			}
			w.Flush()
			fmt.Printf("\nTotal: %d sessions\n", len(body.Sessions))
			return nil
		},
	}

	cmd.Flags().StringVar(&kiosk, "kiosk", "", "only sessions of this kiosk")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func newSessionShowCmd(base baseURL) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s session.Session
			if err := getJSON(base(cmd)+"/api/v1/sessions/"+args[0], &s); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(s)
			}

			fmt.Printf("Session: %s\n", s.ID)
			fmt.Printf("Kiosk:   %s\n", s.KioskID)
			fmt.Printf("State:   %s\n", s.State)
			fmt.Printf("Started: %s\n", s.StartedAt.Format(time.RFC3339))
			fmt.Printf("Active:  %s\n", s.LastActivity.Format(time.RFC3339))
			if len(s.DietaryRestrictions) > 0 {
				fmt.Printf("Dietary: %s\n", strings.Join(s.DietaryRestrictions, ", "))
			}
			fmt.Println()

			if len(s.Cart) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ITEM\tNAME\tQTY\tUNIT\tSUBTOTAL")
				for _, l := range s.Cart {
					fmt.Fprintf(w, "%d\t%s\t%d\t%.2f\t%.2f\n",
						l.ItemID, l.Name, l.Quantity, l.UnitPrice, float64(l.SubtotalCents())/100)
				}
				w.Flush()
				fmt.Printf("Total: %.2f\n\n", s.Total())
			}

			for _, t := range s.History {
				fmt.Printf("[%s] %-8s %s\n", t.At.Format("15:04:05"), t.Role, t.Text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func newSessionDeleteCmd(base baseURL) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, base(cmd)+"/api/v1/sessions/"+args[0], nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()
			if err := checkStatus(resp, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("Session deleted: %s\n", args[0])
			return nil
		},
	}
}

func newSessionAuditCmd(base baseURL) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Show the state transitions of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/v1/sessions/%s/transitions?limit=%d", base(cmd), args[0], limit)
			var body struct {
				Transitions []storage.TransitionRecord `json:"transitions"`
			}
			if err := getJSON(url, &body); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(body.Transitions)
			}
			if len(body.Transitions) == 0 {
				fmt.Println("No transitions recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tFROM\tTRIGGER\tTO\tTRACE")
			for _, r := range body.Transitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.At.Format("15:04:05.000"), r.From, r.Trigger, r.To, r.TraceID)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum number of transitions (0 = all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
