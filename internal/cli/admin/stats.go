package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func StatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the running server's LLM client stats",
		Long:  "Fetch the breaker state and usage counters from a running server's /stats endpoint",
		RunE:  runStats,
	}

	cmd.Flags().String("addr", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("api-key", "", "API key to authenticate with")
	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")
	cmd.MarkFlagRequired("api-key")

	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	outputFormat, _ := cmd.Flags().GetString("output")

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/stats", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Data struct {
			State     string `json:"state"`
			Requests  int64  `json:"requests"`
			Successes int64  `json:"successes"`
			Failures  int64  `json:"failures"`
			Rejected  int64  `json:"rejected"`
			Usage     struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}

	if outputFormat == "json" {
		jsonBytes, _ := json.MarshalIndent(envelope.Data, "", "  ")
		fmt.Println(string(jsonBytes))
		return nil
	}

	fmt.Printf("Breaker state: %s\n", envelope.Data.State)
	fmt.Printf("  Requests:  %d\n", envelope.Data.Requests)
	fmt.Printf("  Successes: %d\n", envelope.Data.Successes)
	fmt.Printf("  Failures:  %d\n", envelope.Data.Failures)
	fmt.Printf("  Rejected:  %d\n", envelope.Data.Rejected)
	fmt.Printf("  Tokens:    %d prompt / %d completion\n",
		envelope.Data.Usage.PromptTokens, envelope.Data.Usage.CompletionTokens)
	return nil
}
