package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <history-id>",
	Short: "Ask a running server to replay a recorded task",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().String("server", "http://localhost:8080", "Base URL of a running eigentd")
	replayCmd.Flags().StringP("question", "q", "", "First user message of the replay")
	replayCmd.Flags().Bool("share", false, "Replay through the share endpoint")
	replayCmd.Flags().Duration("delay", -1, "Pause between replayed steps (negative keeps the server default)")
	replayCmd.Flags().Duration("timeout", 15*time.Second, "Request timeout")
}

type replayCommandRequest struct {
	Question  string `json:"question"`
	HistoryID string `json:"history_id"`
	Type      string `json:"type,omitempty"`
	DelayMS   *int64 `json:"delay_ms,omitempty"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	question, _ := flags.GetString("question")
	share, _ := flags.GetBool("share")
	delay, _ := flags.GetDuration("delay")
	timeout, _ := flags.GetDuration("timeout")

	req := replayCommandRequest{Question: question, HistoryID: strings.TrimSpace(args[0])}
	if share {
		req.Type = "share"
	}
	if delay >= 0 {
		ms := delay.Milliseconds()
		req.DelayMS = &ms
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/v1/replays", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("replay request: %w", err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusCreated {
		return fmt.Errorf("replay rejected: status %d: %s", res.StatusCode, strings.TrimSpace(string(out)))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	return err
}
