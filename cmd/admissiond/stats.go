/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/acronis/go-admission/admission"
	"github.com/acronis/go-admission/httpclient"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/stats"
)

type statsOpts struct {
	url        string
	userHeader string
	roleHeader string
	user       string
	role       string
	timeout    time.Duration
}

func newStatsCommand() *cobra.Command {
	var opts statsOpts
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show admission statistics of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := fetchStats(ctx, opts)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderStats(st))
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "http://127.0.0.1:8080", "base URL of the server")
	flags.StringVar(&opts.userHeader, "user-header", "X-User-ID", "header carrying the caller id")
	flags.StringVar(&opts.roleHeader, "role-header", "X-User-Role", "header carrying the caller role")
	flags.StringVar(&opts.user, "user", "admissiond-cli", "caller id")
	flags.StringVar(&opts.role, "role", "admin", "caller role, must be one of the admin roles")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout including retries")
	return cmd
}

func fetchStats(ctx context.Context, opts statsOpts) (stats.Stats, error) {
	client := httpclient.New(httpclient.Opts{
		UserAgent: "admissiond-cli",
		Header:    http.Header{opts.userHeader: {opts.user}, opts.roleHeader: {opts.role}},
		Timeout:   opts.timeout,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(opts.url, "/")+admission.StatsPath, nil)
	if err != nil {
		return stats.Stats{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return stats.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp restapi.ErrorResponseData
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Err != nil {
			return stats.Stats{}, fmt.Errorf("get stats: %s: %s", resp.Status, errResp.Err.Message)
		}
		return stats.Stats{}, fmt.Errorf("get stats: %s", resp.Status)
	}
	var st stats.Stats
	if err = json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return stats.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return st, nil
}

func renderStats(st stats.Stats) string {
	summary := table.NewWriter()
	summary.SetStyle(table.StyleRounded)
	summary.SetTitle("Admission")
	summary.AppendRows([]table.Row{
		{"Requests", fmt.Sprintf("%d total, %d success, %d error", st.Requests.Total, st.Requests.Success, st.Requests.Error)},
		{"Success rate", fmt.Sprintf("%.2f%%", st.Requests.SuccessRate)},
		{"Response time", fmt.Sprintf("avg %.2fms, p50 %.2fms, p95 %.2fms, p99 %.2fms",
			st.Requests.ResponseTime.Average, st.Requests.ResponseTime.P50,
			st.Requests.ResponseTime.P95, st.Requests.ResponseTime.P99)},
		{"Connections", fmt.Sprintf("%d active, %d peak", st.Connections.Active, st.Connections.Peak)},
		{"Memory", fmt.Sprintf("rss %s, heap %s/%s", bytefmt.ByteSize(st.System.Memory.RSS),
			bytefmt.ByteSize(st.System.Memory.HeapUsed), bytefmt.ByteSize(st.System.Memory.HeapTotal))},
		{"CPU", fmt.Sprintf("%.2f%%", st.System.CPU)},
		{"Uptime", (time.Duration(st.Uptime) * time.Second).String()},
	})

	queues := table.NewWriter()
	queues.SetStyle(table.StyleRounded)
	queues.SetTitle("Queues")
	queues.AppendHeader(table.Row{"Class", "Waiting", "Active", "Completed", "Failed", "Expired"})
	for _, q := range st.Queues {
		queues.AppendRow(table.Row{q.Name, q.Waiting, q.Active, q.Completed, q.Failed, q.Expired})
	}

	return summary.Render() + "\n" + queues.Render() + "\n"
}
