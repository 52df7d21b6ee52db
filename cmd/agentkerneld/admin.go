// rotate-key and journal compact are thin HTTP clients against a
// running daemon: the authenticator's current token and the journal
// both live inside the daemon process, so there is nothing for these
// commands to manipulate directly. They hit the same
// POST /api/auth/rotate-key and POST /api/journal/compact routes
// serve.go registers.
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
)

var (
	adminAddr  string
	adminToken string

	journalRetainSessions []string
)

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the running daemon's bearer token",
	RunE:  runRotateKey,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Administer a running daemon's journal",
}

var journalCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete terminal sessions' events from a running daemon's journal",
	RunE:  runJournalCompact,
}

func init() {
	rotateKeyCmd.Flags().StringVar(&adminAddr, "addr", "http://127.0.0.1:8080", "base URL of the running agentkerneld instance")
	rotateKeyCmd.Flags().StringVar(&adminToken, "api-token", "", "current bearer token (or set AGENTKERNEL_API_TOKEN)")

	journalCompactCmd.Flags().StringVar(&adminAddr, "addr", "http://127.0.0.1:8080", "base URL of the running agentkerneld instance")
	journalCompactCmd.Flags().StringVar(&adminToken, "api-token", "", "bearer token (or set AGENTKERNEL_API_TOKEN)")
	journalCompactCmd.Flags().StringSliceVar(&journalRetainSessions, "retain-sessions", nil, "session IDs to keep even though terminal")
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func adminRequest(method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := adminBearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func adminBearerToken() string {
	if adminToken != "" {
		return adminToken
	}
	return os.Getenv("AGENTKERNEL_API_TOKEN")
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	req, err := adminRequest(http.MethodPost, strings.TrimRight(adminAddr, "/")+"/api/auth/rotate-key", nil)
	if err != nil {
		return err
	}
	resp, err := adminClient().Do(req)
	if err != nil {
		return fmt.Errorf("rotate-key request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		NewKey    string `json:"new_key"`
		RotatedAt string `json:"rotated_at"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rotate-key failed: %s", result.Error)
	}
	fmt.Printf("new key: %s\nrotated at: %s\n", result.NewKey, result.RotatedAt)
	return nil
}

func runJournalCompact(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]any{"retain_sessions": journalRetainSessions})
	if err != nil {
		return err
	}
	req, err := adminRequest(http.MethodPost, strings.TrimRight(adminAddr, "/")+"/api/journal/compact", body)
	if err != nil {
		return err
	}
	resp, err := adminClient().Do(req)
	if err != nil {
		return fmt.Errorf("journal compact request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Deleted int    `json:"deleted"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("journal compact failed: %s", result.Error)
	}
	fmt.Printf("deleted %d event(s)\n", result.Deleted)
	return nil
}
