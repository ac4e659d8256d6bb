package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brokerportal/sessionguard/api"
	"github.com/brokerportal/sessionguard/platform"
)

// ---------------------------------------------------------------------------
// Summary types
// ---------------------------------------------------------------------------

type eventSummary struct {
	Source     string            `json:"source"`
	Total      int               `json:"total"`
	Shown      int               `json:"shown"`
	BySeverity map[string]int    `json:"by_severity"`
	ByType     []typeCount       `json:"by_type"`
	Critical   int               `json:"critical"`
	Events     []api.StoredEvent `json:"events,omitempty"`
}

type typeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

type eventQuery struct {
	Severity string
	Limit    int
	Offset   int
}

// ---------------------------------------------------------------------------
// Core logic
// ---------------------------------------------------------------------------

// summarizeEvents tallies one page of events. Types are ordered by count,
// then name.
func summarizeEvents(page api.ListEventsResponse) eventSummary {
	s := eventSummary{
		Total:      page.TotalCount,
		Shown:      len(page.Events),
		BySeverity: map[string]int{},
		Events:     page.Events,
	}
	types := map[string]int{}
	for _, e := range page.Events {
		s.BySeverity[string(e.Severity)]++
		types[e.EventType]++
		if e.Severity == platform.SeverityCritical {
			s.Critical++
		}
	}
	for t, n := range types {
		s.ByType = append(s.ByType, typeCount{EventType: t, Count: n})
	}
	sort.Slice(s.ByType, func(i, j int) bool {
		if s.ByType[i].Count != s.ByType[j].Count {
			return s.ByType[i].Count > s.ByType[j].Count
		}
		return s.ByType[i].EventType < s.ByType[j].EventType
	})
	return s
}

// fetchEvents reads one page of events from the platform at baseURL.
func fetchEvents(ctx context.Context, hc *http.Client, baseURL, apiKey string, q eventQuery) (api.ListEventsResponse, error) {
	var out api.ListEventsResponse
	params := url.Values{}
	if q.Severity != "" {
		params.Set("severity", q.Severity)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	u := strings.TrimRight(baseURL, "/") + platform.PathSecurityEvents
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return out, fmt.Errorf("listing security events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, &platform.StatusError{Op: "listing security events", Code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding security events: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanSummary(w io.Writer, s eventSummary) {
	fmt.Fprintf(w, "Security events: %s\n", s.Source)
	fmt.Fprintf(w, "Showing %d of %d\n\n", s.Shown, s.Total)

	for _, e := range s.Events {
		tag := "[" + strings.ToUpper(string(e.Severity)) + "]"
		line := fmt.Sprintf("%s %s %s", e.ReceivedAt, tag, e.EventType)
		if e.UserID != "" {
			line += " user=" + e.UserID
		}
		fmt.Fprintln(w, line)
	}
	if len(s.Events) > 0 {
		fmt.Fprintln(w)
	}

	for _, sev := range []platform.Severity{platform.SeverityCritical, platform.SeverityHigh, platform.SeverityMedium, platform.SeverityLow} {
		if n := s.BySeverity[string(sev)]; n > 0 {
			fmt.Fprintf(w, "%-8s %d\n", sev, n)
		}
	}
	for _, tc := range s.ByType {
		fmt.Fprintf(w, "  %s: %d\n", tc.EventType, tc.Count)
	}
}

func printJSONSummary(w io.Writer, s eventSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	eventsPlatformURL string
	eventsFile        string
	eventsSeverity    string
	eventsLimit       int
	eventsOffset      int
	eventsJSONOutput  bool
	eventsFailOnCrit  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List and summarize platform security events",
	Long: `Fetches a page of security events from the platform (platform.base_url
or --platform-url), newest first, and prints them with per-severity and
per-type counts. --file reads a saved GET /rest/v1/security_events response
instead.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	auditCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsPlatformURL, "platform-url", "", "Platform base URL (default: platform.base_url)")
	eventsCmd.Flags().StringVar(&eventsFile, "file", "", "Read events from a saved JSON response")
	eventsCmd.Flags().StringVar(&eventsSeverity, "severity", "", "Only events of this severity")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Page size")
	eventsCmd.Flags().IntVar(&eventsOffset, "offset", 0, "Page offset")
	eventsCmd.Flags().BoolVar(&eventsJSONOutput, "json", false, "Output results as JSON")
	eventsCmd.Flags().BoolVar(&eventsFailOnCrit, "fail-on-critical", false, "Exit 1 when any critical event is shown")
}

func runEvents(cmd *cobra.Command, args []string) error {
	var (
		page api.ListEventsResponse
		src  string
	)
	if eventsFile != "" {
		data, err := os.ReadFile(eventsFile)
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		src = eventsFile
	} else {
		base := eventsPlatformURL
		if base == "" {
			base = cfg.Platform.BaseURL
		}
		var err error
		page, err = fetchEvents(cmd.Context(), &http.Client{Timeout: cfg.Platform.Timeout}, base, cfg.Platform.APIKey, eventQuery{
			Severity: eventsSeverity,
			Limit:    eventsLimit,
			Offset:   eventsOffset,
		})
		if err != nil {
			return err
		}
		src = base
	}

	s := summarizeEvents(page)
	s.Source = src
	out := cmd.OutOrStdout()
	if eventsJSONOutput {
		if err := printJSONSummary(out, s); err != nil {
			return err
		}
	} else {
		printHumanSummary(out, s)
	}

	if eventsFailOnCrit && s.Critical > 0 {
		os.Exit(1)
	}
	return nil
}
