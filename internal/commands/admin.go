package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/api"
	"parley/internal/config"
)

// IssueSession asks the running server for a session token. arg is
// "userId" or "userId:username".
func IssueSession(arg string, cfg *config.Config) error {
	userID, username, _ := strings.Cut(arg, ":")

	var result api.IssueSessionResponse
	if err := post(cfg, "/admin/sessions", api.IssueSessionRequest{UserID: userID, Username: username}, &result); err != nil {
		return fmt.Errorf("failed to issue session: %w", err)
	}

	fmt.Printf("\nSession Issued!\n")
	fmt.Printf("User ID:   %s\n", result.UserID)
	fmt.Printf("Username:  %s\n", result.Username)
	fmt.Printf("Expires:   %s\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Printf("Token:     %s\n\n", result.Token)
	fmt.Println("Pass the token in the \"token\" header, cookie or query parameter of /api/chat.")
	return nil
}

// CreateConversation creates or updates a conversation. arg is
// "id" for an open conversation or "id:user1,user2,...".
func CreateConversation(arg string, cfg *config.Config) error {
	id, list, _ := strings.Cut(arg, ":")
	var participants []string
	for p := range strings.SplitSeq(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			participants = append(participants, p)
		}
	}

	var result struct {
		ID           string   `json:"id"`
		Participants []string `json:"participants"`
	}
	if err := post(cfg, "/admin/conversations", api.CreateConversationRequest{ID: id, Participants: participants}, &result); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	fmt.Printf("\nConversation Saved!\n")
	fmt.Printf("ID:            %s\n", result.ID)
	if len(result.Participants) == 0 {
		fmt.Printf("Participants:  (open to everyone)\n\n")
	} else {
		fmt.Printf("Participants:  %s\n\n", strings.Join(result.Participants, ", "))
	}
	return nil
}

func post(cfg *config.Config, path string, req, result any) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
