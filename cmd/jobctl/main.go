// jobctl is a small operator CLI for the job API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiBase string
	tenant  string
)

func main() {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the job engine over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "base URL of the job API")
	root.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant id sent as X-Tenant-ID")

	root.AddCommand(
		submitCmd(),
		getCmd(),
		listCmd(),
		retryCmd(),
		dlqCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var (
		maxAttempts int
		token       string
	)
	cmd := &cobra.Command{
		Use:   "submit <payload-json>",
		Short: "Submit a job; payload must be a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
			body := map[string]any{"payload": payload}
			if maxAttempts > 0 {
				body["max_attempts"] = maxAttempts
			}
			if token != "" {
				body["idempotency_token"] = token
			}
			return call(http.MethodPost, "/jobs", body)
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (0 uses the server default)")
	cmd.Flags().StringVar(&token, "token", "", "idempotency token")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			return call(http.MethodGet, "/jobs?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, done, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed job as a new record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/retry", nil)
		},
	}
}

func dlqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/dlq", nil)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/stats", nil)
		},
	}
}

func call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(out))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
