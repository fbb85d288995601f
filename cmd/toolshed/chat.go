package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/toolshed/toolshed/pkg/app"
	"github.com/toolshed/toolshed/pkg/conversation"
	"github.com/toolshed/toolshed/pkg/models"
)

func init() {
	chatCmd.Flags().Bool("owner", false, "reply to whoever wrote last")
	rootCmd.AddCommand(chatCmd, inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversation partners with their latest message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := startApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		partners, err := a.Chat.LoadPartners(cmd.Context())
		if err != nil {
			return errors.New(models.Reason(err))
		}
		if len(partners) == 0 {
			fmt.Println("No conversations yet")
			return nil
		}
		for _, p := range partners {
			last := "(no messages)"
			if p.Err != nil {
				last = "(" + models.Reason(p.Err) + ")"
			} else if msgs := a.Chat.Conversation(p.ID); len(msgs) > 0 {
				last = msgs[len(msgs)-1].Text
			}
			fmt.Printf("%-24s %-26s %s\n", p.Name, p.ID, last)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [user-id]",
	Short: "Open an interactive conversation",
	Long: `Open an interactive conversation. Lines are sent to the selected user.
Commands: /to <user-id>, /inbox, /history, /quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if owner, _ := cmd.Flags().GetBool("owner"); owner {
			cfg.Chat.OwnerMode = true
		}
		ctx := cmd.Context()
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		if !waitConnected(a, 10*time.Second) {
			fmt.Println(models.UnavailableNotice)
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "> ",
			HistoryFile:     filepath.Join(filepath.Dir(cfg.SessionPath()), "chat_history"),
			InterruptPrompt: "^C",
			EOFPrompt:       "/quit",
		})
		if err != nil {
			return err
		}
		defer rl.Close()

		r := newRepl(a, rl)
		a.Store.Subscribe(r.changed)
		if len(args) == 1 {
			r.selectPartner(ctx, args[0])
		}
		return r.loop(ctx)
	},
}

// repl prints conversation changes above the prompt and reads lines to send.
type repl struct {
	app *app.App
	rl  *readline.Instance
	out io.Writer

	changes chan string

	mu      sync.Mutex
	printed map[string]int
	shown   string
}

func newRepl(a *app.App, rl *readline.Instance) *repl {
	r := &repl{
		app:     a,
		rl:      rl,
		out:     rl.Stdout(),
		changes: make(chan string, 64),
		printed: make(map[string]int),
	}
	go r.render()
	return r
}

func (r *repl) names(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.app.Chat.DisplayName(ctx, id)
}

// changed runs on the store's caller, which may be the channel's read loop,
// so rendering happens on its own goroutine. A dropped notification is
// caught up by the next one for the same counterparty.
func (r *repl) changed(counterpartyID string) {
	select {
	case r.changes <- counterpartyID:
	default:
	}
}

func (r *repl) render() {
	for id := range r.changes {
		r.flush(id)
	}
}

func (r *repl) flush(counterpartyID string) {
	msgs := r.app.Store.Get(counterpartyID)

	r.mu.Lock()
	from := r.printed[counterpartyID]
	if from > len(msgs) {
		from = 0
	}
	r.printed[counterpartyID] = len(msgs)
	r.mu.Unlock()

	for _, m := range msgs[from:] {
		r.print(counterpartyID, m)
	}
}

func (r *repl) print(counterpartyID string, m models.Message) {
	if m.Direction == models.Outgoing {
		fmt.Fprintf(r.out, "  [you -> %s] %s\n", counterpartyID, m.Text)
		return
	}
	fmt.Fprintf(r.out, "  [%s] %s\n", r.names(m.SenderID), m.Text)
}

func (r *repl) selectPartner(ctx context.Context, id string) {
	if err := r.app.Chat.SelectPartner(ctx, id); err != nil {
		fmt.Fprintln(r.out, models.Reason(err))
	}
	r.prompt()
}

// prompt follows owner-mode re-routing so the prompt names the recipient.
func (r *repl) prompt() {
	active := r.app.Chat.Active()
	r.mu.Lock()
	same := active == r.shown
	r.shown = active
	r.mu.Unlock()
	if same {
		return
	}
	if active == "" {
		r.rl.SetPrompt("> ")
		return
	}
	r.rl.SetPrompt(fmt.Sprintf("%s> ", r.names(active)))
}

func (r *repl) loop(ctx context.Context) error {
	for {
		line, err := r.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/to "):
			r.selectPartner(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/to ")))
		case line == "/inbox":
			r.inbox(ctx)
		case line == "/history":
			r.history()
		case strings.TrimSpace(line) == "":
		default:
			if err := r.app.Chat.Send(ctx, line); err != nil {
				fmt.Fprintln(r.out, models.Reason(err))
			}
		}
		r.prompt()
	}
}

func (r *repl) inbox(ctx context.Context) {
	partners, err := r.app.Chat.LoadPartners(ctx)
	if err != nil {
		fmt.Fprintln(r.out, models.Reason(err))
		return
	}
	for _, p := range partners {
		fmt.Fprintf(r.out, "  %s (%s)\n", p.Name, p.ID)
	}
}

func (r *repl) history() {
	active := r.app.Chat.Active()
	if active == "" {
		fmt.Fprintln(r.out, models.Reason(models.ErrNoCounterparty))
		return
	}
	for _, m := range r.app.Chat.Conversation(active) {
		r.print(active, m)
	}
	if r.app.Chat.Mode() == conversation.Owner {
		fmt.Fprintln(r.out, "  (replies follow the latest sender)")
	}
}
