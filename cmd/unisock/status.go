package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/postalsys/unisock/internal/health"
)

type statusOptions struct {
	url      string
	username string
	password string
	timeout  time.Duration
}

func statusCmd() *cobra.Command {
	opts := statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		Long:  "Query the health endpoint of a running server and summarise its metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()

			st, sum, err := fetchStatus(ctx, http.DefaultClient, opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st, sum))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "http://127.0.0.1:9090", "Base URL of the health server")
	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "Basic auth username")
	cmd.Flags().StringVar(&opts.password, "password", "", "Basic auth password")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

// metricsSummary is the subset of the exported metrics shown by status.
type metricsSummary struct {
	DatagramsIn  float64
	DatagramsOut float64
	BytesIn      float64
	BytesOut     float64
	AddrInUse    float64
	Drops        map[string]float64
}

func fetchStatus(ctx context.Context, client *http.Client, opts statusOptions) (*health.Stats, *metricsSummary, error) {
	base := strings.TrimRight(opts.url, "/")

	body, err := get(ctx, client, base+"/healthz", opts)
	if err != nil {
		return nil, nil, err
	}
	var st health.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, nil, fmt.Errorf("decode /healthz: %w", err)
	}

	body, err = get(ctx, client, base+"/metrics", opts)
	if err != nil {
		return nil, nil, err
	}
	sum, err := summarizeMetrics(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	return &st, sum, nil
}

func get(ctx context.Context, client *http.Client, url string, opts statusOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if opts.username != "" {
		req.SetBasicAuth(opts.username, opts.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: unauthorized (use --user and --password)", url)
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%s: server is not running", url)
	default:
		return nil, fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
}

// summarizeMetrics parses the Prometheus text exposition and sums the
// unisock counters across their labels.
func summarizeMetrics(r io.Reader) (*metricsSummary, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	sum := &metricsSummary{Drops: make(map[string]float64)}
	for name, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		switch name {
		case "unisock_datagrams_received_total":
			sum.DatagramsIn = counterTotal(mf)
		case "unisock_datagrams_sent_total":
			sum.DatagramsOut = counterTotal(mf)
		case "unisock_bytes_received_total":
			sum.BytesIn = counterTotal(mf)
		case "unisock_bytes_sent_total":
			sum.BytesOut = counterTotal(mf)
		case "unisock_addr_in_use_total":
			sum.AddrInUse = counterTotal(mf)
		case "unisock_datagrams_dropped_total":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "reason" {
						sum.Drops[lp.GetValue()] += m.GetCounter().GetValue()
					}
				}
			}
		}
	}
	return sum, nil
}

func counterTotal(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func renderStatus(st *health.Stats, sum *metricsSummary) string {
	title := cases.Title(language.English)
	heading := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	var b strings.Builder
	row := func(k, v string) {
		fmt.Fprintf(&b, "  %s %s\n", label.Render(fmt.Sprintf("%-16s", k+":")), v)
	}

	b.WriteString(heading.Render(fmt.Sprintf("%s on %s", title.String(st.Transport), st.LocalAddr)))
	b.WriteString("\n")
	if st.Version != "" {
		row("Version", fmt.Sprintf("%s, up %s", st.Version, time.Duration(st.UptimeSeconds)*time.Second))
	}
	row("Conns", fmt.Sprintf("%d (%d pending accept)", st.Conns, st.Pending))
	row("Peers occupied", humanize.Comma(int64(st.PeersOccupied)))
	row("Echo sessions", fmt.Sprintf("%d active, %s total, %d rejected",
		st.EchoActive, humanize.Comma(st.EchoTotal), st.EchoRejected))
	row("Datagrams", fmt.Sprintf("%s in, %s out",
		humanize.Comma(int64(sum.DatagramsIn)), humanize.Comma(int64(sum.DatagramsOut))))
	row("Traffic", fmt.Sprintf("%s in, %s out",
		humanize.Bytes(uint64(sum.BytesIn)), humanize.Bytes(uint64(sum.BytesOut))))
	row("Addr in use", humanize.Comma(int64(sum.AddrInUse)))

	if len(sum.Drops) > 0 {
		reasons := make([]string, 0, len(sum.Drops))
		for r := range sum.Drops {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%s", r, humanize.Comma(int64(sum.Drops[r]))))
		}
		row("Dropped", strings.Join(parts, " "))
	}

	return b.String()
}
