// ABOUTME: Minimal demo client for E2E testing — registers an agent, posts a message, streams the reply.
// ABOUTME: Usage: loom-agent [-addr localhost:8080] [-id demo-agent] [-conversation demo]

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"

	"github.com/loomworks/loom/internal/api"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "loomd HTTP address")
	agentID := flag.String("id", "demo-agent", "Agent ID")
	name := flag.String("name", "Demo Agent", "Agent display name")
	capabilities := flag.String("capabilities", "echo,chat", "Comma-separated capabilities")
	conversation := flag.String("conversation", "demo", "Conversation ID to post into")
	message := flag.String("message", "hello from loom-agent", "Message content to post")
	flag.Parse()

	if err := run(*addr, *agentID, *name, *capabilities, *conversation, *message); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, name, capabilities, conversation, message string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	base := fmt.Sprintf("http://%s", addr)

	// Register the agent. A 409 means it survived a previous run.
	reg := api.RegisterAgentRequest{
		ID:           agentID,
		Name:         name,
		Capabilities: strings.Split(capabilities, ","),
	}
	status, err := postJSON(ctx, base+"/api/agents", reg, nil)
	if err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}
	switch status {
	case http.StatusCreated:
		fmt.Fprintf(os.Stderr, "registered as %s\n", agentID)
	case http.StatusConflict:
		fmt.Fprintf(os.Stderr, "already registered as %s\n", agentID)
	default:
		return fmt.Errorf("registering agent: status %d", status)
	}

	// Post the user message. The server creates a correlated task and
	// routes the outcome back into the conversation.
	var posted api.MessageResponse
	status, err = postJSON(ctx, base+"/api/messages", api.PostMessageRequest{
		ConversationID: conversation,
		Content:        message,
	}, &posted)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("posting message: status %d", status)
	}
	fmt.Fprintf(os.Stderr, "posted message seq=%d task=%s\n", posted.Seq, posted.TaskID)

	// Stream the conversation until interrupted.
	return streamConversation(ctx, base, conversation)
}

func postJSON(ctx context.Context, url string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func streamConversation(ctx context.Context, base, conversation string) error {
	url := fmt.Sprintf("%s/api/messages/stream?conversation_id=%s", base, conversation)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening stream: status %d", resp.StatusCode)
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var msg api.MessageResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			gray.Fprintf(os.Stderr, "skipping malformed event: %v\n", err)
			continue
		}

		switch msg.Sender {
		case "user":
			cyan.Printf("[%d] user: ", msg.Seq)
		case "agent":
			green.Printf("[%d] agent: ", msg.Seq)
		default:
			gray.Printf("[%d] %s: ", msg.Seq, msg.Sender)
		}
		fmt.Println(msg.Content)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
