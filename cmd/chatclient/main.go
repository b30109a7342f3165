package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collabup/server/internal/chat"
	"collabup/server/internal/client"
	"collabup/server/internal/models"
	"collabup/server/internal/utils"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "chatclient",
	Short:   "Terminal client for CollabUp group chat",
	Version: version,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a group and chat from the terminal",
	Long: `Join a group and chat from the terminal. Lines are sent as messages.
Commands: /react <id> <symbol>, /read <id>, /members, /quit`,
	RunE: runChat,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development identity token",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		id, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		if secret == "" || id == "" {
			return fmt.Errorf("--secret and --user are required")
		}
		token, err := utils.GenerateToken(secret, models.Identity{ID: id, Name: name, Email: email}, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	// Disable completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	chatCmd.Flags().String("url", "ws://localhost:8080/api/v1/ws", "websocket endpoint")
	chatCmd.Flags().String("token", os.Getenv("CHAT_TOKEN"), "identity token (default $CHAT_TOKEN)")
	chatCmd.Flags().StringP("group", "g", "", "group to join")
	chatCmd.Flags().Bool("auto-read", true, "mark received messages as read")
	_ = chatCmd.MarkFlagRequired("group")

	tokenCmd.Flags().String("secret", os.Getenv("JWT_SECRET"), "signing secret (default $JWT_SECRET)")
	tokenCmd.Flags().String("user", "", "user id")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("email", "", "email")

	rootCmd.AddCommand(chatCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	group, _ := cmd.Flags().GetString("group")
	autoRead, _ := cmd.Flags().GetBool("auto-read")

	identity, err := utils.PeekIdentity(token)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := client.Dial(dialCtx, url, token)
	cancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var session *client.Session
	session = client.NewSession(conn, identity, group, client.Options{
		AutoRead: autoRead,
		OnEvent:  func(env chat.Envelope) { printEvent(out, session, env) },
	})
	defer session.Close()

	if err := session.Open(); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- session.Listen(ctx) }()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-listenErr:
			return err
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit, err := handleLine(out, session, line); quit || err != nil {
				return err
			}
		}
	}
}

func handleLine(out io.Writer, s *client.Session, line string) (bool, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "/quit":
		return true, nil
	case "/members":
		for _, m := range s.Members() {
			fmt.Fprintf(out, "  %s (%s)\n", m.Name, m.Status)
		}
		return false, nil
	case "/read":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /read <id>")
			return false, nil
		}
		return false, s.MarkRead(fields[1])
	case "/react":
		if len(fields) != 3 {
			fmt.Fprintln(out, "usage: /react <id> <symbol>")
			return false, nil
		}
		return false, s.React(fields[1], fields[2])
	}

	if _, err := s.Send(line, nil); err != nil {
		fmt.Fprintf(out, "not sent: %v\n", err)
	}
	return false, nil
}

func printEvent(out io.Writer, s *client.Session, env chat.Envelope) {
	switch env.Type {
	case chat.EventNewMessage:
		var m models.Message
		if env.Decode(&m) != nil {
			return
		}
		reply := ""
		if m.ReplyTo != nil {
			reply = fmt.Sprintf(" (re %s: %q)", m.ReplyTo.SenderName, m.ReplyTo.Content)
		}
		fmt.Fprintf(out, "[%s] %s%s: %s  #%s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, reply, m.Content, m.ID)
		for _, a := range m.Attachments {
			fmt.Fprintf(out, "    %s %s %s\n", a.Type, a.Name, a.URL)
		}
	case chat.EventUserTyping, chat.EventUserStoppedTyping:
		if typing := s.Typing(); len(typing) > 0 {
			fmt.Fprintf(out, "  %s typing...\n", strings.Join(typing, ", "))
		}
	case chat.EventMessageStatus:
		var p chat.MessageStatusPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "  #%s is %s\n", p.MessageID, p.Status)
		}
	case chat.EventMessageReaction:
		var p chat.MessageReactionPayload
		if env.Decode(&p) == nil {
			fmt.Fprintf(out, "  #%s %s +1\n", p.MessageID, p.Reaction)
		}
	}
}
