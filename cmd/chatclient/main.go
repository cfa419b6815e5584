package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/session"
)

var (
	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	senderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	privateStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

func main() {
	app := &cli.Command{
		Name:      "chat-client",
		Usage:     "Terminal client for the chat server",
		UsageText: "chat-client --name alice [--server http://localhost:8080]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Chat server base URL",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Username to join as",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin header to present (defaults to the server URL)",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Comma separated transports in preference order",
				Value: "websocket,polling",
			},
			&cli.BoolFlag{
				Name:  "no-reconnect",
				Usage: "Do not reconnect when the connection drops",
			},
			&cli.IntFlag{
				Name:  "history",
				Usage: "Number of recent messages to show on start (0 to skip)",
				Value: 20,
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		stdlog.Fatal(err)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := session.DefaultOptions()
	opts.Origin = c.String("origin")
	opts.Reconnection = !c.Bool("no-reconnect")
	opts.Transports = nil
	for _, t := range strings.Split(c.String("transport"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.Transports = append(opts.Transports, t)
		}
	}

	serverURL := c.String("server")
	if n := c.Int("history"); n > 0 {
		if err := printHistory(ctx, serverURL, n); err != nil {
			fmt.Println(errorStyle.Render(fmt.Sprintf("history unavailable: %v", err)))
		}
	}

	s, err := session.New(ctx, serverURL, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	cancel := s.Subscribe(func(env chat.Envelope) {
		render(s, env)
	})
	defer cancel()

	if err := s.Connect(ctx, c.String("name")); err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	fmt.Println(noticeStyle.Render("Type to chat. /msg <user> <text>, /who, /quit"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(s, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func handleLine(s *session.Session, line string) bool {
	line = strings.TrimSpace(line)
	var err error
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/who":
		printUsers(s.Snapshot().OnlineUsers)
	case strings.HasPrefix(line, "/msg "):
		to, body, found := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/msg ")), " ")
		if !found || strings.TrimSpace(body) == "" {
			fmt.Println(errorStyle.Render("usage: /msg <user> <text>"))
			return false
		}
		err = s.SendDirect(to, strings.TrimSpace(body))
	case strings.HasPrefix(line, "/"):
		fmt.Println(errorStyle.Render("unknown command " + line))
	default:
		err = s.SendBroadcast(line)
	}
	if err != nil {
		fmt.Println(errorStyle.Render(err.Error()))
	}
	return false
}

func render(s *session.Session, env chat.Envelope) {
	switch env.Event {
	case chat.EventConnect:
		fmt.Println(statusStyle.Render("connected"))
	case chat.EventDisconnect:
		fmt.Println(statusStyle.Render("disconnected"))
	case chat.EventUserJoined, chat.EventUserLeft:
		var n chat.Notice
		if env.Decode(&n) != nil {
			return
		}
		verb := "joined"
		if env.Event == chat.EventUserLeft {
			verb = "left"
		}
		fmt.Println(noticeStyle.Render(fmt.Sprintf("%s %s", n.Username, verb)))
	case chat.EventReceiveMessage, chat.EventPrivateMessage:
		var msg chat.Message
		if env.Decode(&msg) != nil {
			return
		}
		printMessage(msg, s.Username())
	case chat.EventTypingUsers:
		typing := map[string]bool{}
		if env.Decode(&typing) != nil {
			return
		}
		var names []string
		for name, on := range typing {
			if on && name != s.Username() {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			fmt.Println(noticeStyle.Render(strings.Join(names, ", ") + " typing..."))
		}
	}
}

func printMessage(msg chat.Message, self string) {
	stamp := timeStyle.Render(msg.Timestamp.Local().Format("15:04"))
	if msg.IsPrivate {
		label := msg.Sender + " -> " + msg.Recipient
		if msg.Sender == self {
			label = "to " + msg.Recipient
		}
		fmt.Printf("%s %s %s\n", stamp, privateStyle.Render("["+label+"]"), msg.Body)
		return
	}
	fmt.Printf("%s %s %s\n", stamp, senderStyle.Render(msg.Sender+":"), msg.Body)
}

func printUsers(users []chat.User) {
	if len(users) == 0 {
		fmt.Println(noticeStyle.Render("nobody online"))
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	sort.Strings(names)
	fmt.Println(statusStyle.Render(fmt.Sprintf("online (%d): ", len(names))) + strings.Join(names, ", "))
}

func printHistory(ctx context.Context, serverURL string, limit int) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	u.Path = "/api/messages"
	u.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var messages []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return err
	}
	for _, msg := range messages {
		printMessage(msg, "")
	}
	return nil
}
