package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"chatwave/internal/call"
	"chatwave/internal/client"
	"chatwave/internal/types"
)

var (
	serverURL string
	email     string
	password  string
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "server base URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatwave] ", log.LstdFlags)

	if email == "" || password == "" {
		logger.Fatal("both -email and -password are required")
	}

	disconnected := make(chan struct{})

	c, err := client.NewClient(client.Config{
		BaseURL: serverURL,
		Logger:  logger,
		Handlers: client.Handlers{
			OnOnlineUsers: func(userIds []int) {
				fmt.Printf("* online: %v\n", userIds)
			},
			OnMessage: func(msg types.Message) {
				fmt.Printf("[%d] %s\n", msg.SenderId, msg.Content)
			},
			OnMessageSeen: func(userId int) {
				fmt.Printf("* user %d saw your messages\n", userId)
			},
			OnIncomingCall: func(from int, sessionId string) {
				fmt.Printf("* incoming call from user %d (/answer or /decline)\n", from)
			},
			OnCallAccepted: func(sessionId string) {
				fmt.Println("* call accepted")
			},
			OnCallDeclined: func(sessionId string) {
				fmt.Println("* call declined")
			},
			OnCallEnded: func(sessionId string, reason call.Reason) {
				fmt.Printf("* call ended (%s)\n", reason)
			},
			OnCallError: func(message string) {
				fmt.Printf("* call failed: %s\n", message)
			},
			OnDisconnect: func(err error) {
				logger.Println("disconnected:", err)
				close(disconnected)
			},
		},
	})
	if err != nil {
		logger.Fatal("client:", err)
	}

	ctx := context.Background()

	user, err := c.Login(ctx, email, password)
	if err != nil {
		logger.Fatal("login:", err)
	}
	fmt.Printf("logged in as %s (id %d)\n", user.Username, user.Id)

	if err := c.Connect(ctx); err != nil {
		logger.Fatal("connect:", err)
	}
	defer c.Close()

	go repl(ctx, c, logger)

	<-disconnected
}

func repl(ctx context.Context, c *client.Client, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := runCommand(ctx, c, line); err != nil {
			fmt.Println("error:", err)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Println("stdin:", err)
	}
}

func runCommand(ctx context.Context, c *client.Client, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")

	switch cmd {
	case "/users":
		resp, err := c.Users(ctx)
		if err != nil {
			return err
		}
		for _, u := range resp.Users {
			unseen := ""
			if n := resp.Unseen[u.Id]; n > 0 {
				unseen = fmt.Sprintf(" (%d unseen)", n)
			}
			fmt.Printf("  %d: %s%s\n", u.Id, u.Username, unseen)
		}
		return nil
	case "/msg":
		idStr, content, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || content == "" {
			return fmt.Errorf("usage: /msg <user-id> <text>")
		}
		to, err := strconv.Atoi(idStr)
		if err != nil {
			return fmt.Errorf("usage: /msg <user-id> <text>")
		}
		return c.Send(to, content)
	case "/open":
		userId, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("usage: /open <user-id>")
		}
		return c.OpenConversation(userId)
	case "/close":
		return c.CloseConversation()
	case "/call":
		to, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("usage: /call <user-id>")
		}
		return c.PlaceCall(ctx, to)
	case "/answer":
		return c.AcceptCall(ctx)
	case "/decline":
		return c.DeclineCall()
	case "/hangup":
		return c.HangUp()
	case "/quit":
		c.Close()
		os.Exit(0)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
