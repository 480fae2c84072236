package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/curator/internal/http"
)

const clientTimeout = 10 * time.Second

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check curatord health",
	Long:  `Query a running curatord and print the health of each agent.`,
	RunE:  runHealth,
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit knowledge for validation",
	Long: `Submit a knowledge item to a running curatord. Content is read from
the given file, or from stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var (
	submitTitle    string
	submitType     string
	submitCategory string
	submitSource   string
	submitTags     []string
	submitKeywords []string
)

func init() {
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "item title (required)")
	submitCmd.Flags().StringVar(&submitType, "type", "", "knowledge type, e.g. indicator or strategy")
	submitCmd.Flags().StringVar(&submitCategory, "category", "", "category ID")
	submitCmd.Flags().StringVar(&submitSource, "source", "", "source reference, e.g. a URL")
	submitCmd.Flags().StringSliceVar(&submitTags, "tag", nil, "tag (repeatable)")
	submitCmd.Flags().StringSliceVar(&submitKeywords, "keyword", nil, "keyword (repeatable)")
	_ = submitCmd.MarkFlagRequired("title")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: clientTimeout}

	resp, err := client.Get(strings.TrimSuffix(serverURL, "/") + "/health")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var health httpserver.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", health.Status)
	for name, h := range health.Agents {
		fmt.Fprintf(out, "  %s: %s\n", name, h.Status)
		for _, r := range h.Reasons {
			fmt.Fprintf(out, "    - %s\n", r)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 1 {
		content, err = os.ReadFile(args[0])
	} else {
		content, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	req := httpserver.SubmitRequest{
		Title:      submitTitle,
		Content:    string(content),
		Type:       submitType,
		CategoryID: submitCategory,
		SourceRef:  submitSource,
		Keywords:   submitKeywords,
		Tags:       submitTags,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Post(strings.TrimSuffix(serverURL, "/")+"/api/v1/knowledge", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result httpserver.SubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (task %s)\n", result.ItemID, result.TaskID)
	return nil
}
