package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/chatrecipe/internal/chat"
	"github.com/user/chatrecipe/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [video url]",
	Short: "Start an interactive conversation in the terminal",
	Long: `Start an interactive conversation. Lines are sent to the recipe service.

Commands:
  /open <url>  switch to the conversation for a video and fetch it
  /home        switch to the home conversation
  /stop        stop the reply in progress
  /new         clear the current conversation
  /quit        exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

var errQuit = errors.New("quit")

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newTermPrinter(os.Stdout)
	eng, err := openEngine(cfg, printer.Render)
	if err != nil {
		return err
	}
	defer eng.Close()

	var ref string
	if len(args) == 1 {
		ref = args[0]
	}
	if err := eng.start(ctx, ref); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(gctx, eng, line); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// readLines forwards r line by line until EOF. It is not tied to a context
// because a blocked terminal read cannot be interrupted.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func handleLine(ctx context.Context, eng *engine, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var notice string
	err := eng.Do(ctx, func() {
		s := eng.session
		if !strings.HasPrefix(line, "/") {
			if !s.Submit(line) {
				notice = refusal(s.View())
			}
			return
		}
		name, arg, _ := strings.Cut(line, " ")
		switch name {
		case "/quit", "/exit":
			notice = "bye"
		case "/stop":
			if !s.Stop() {
				notice = "nothing to stop"
			}
		case "/new":
			s.NewChat()
		case "/home":
			s.EnterRoute("/")
		case "/open":
			if strings.TrimSpace(arg) == "" {
				notice = "usage: /open <video url>"
				return
			}
			s.Open(arg)
		default:
			notice = "unknown command " + name
		}
	})
	if err != nil {
		return err
	}
	if notice == "bye" {
		return errQuit
	}
	if notice != "" {
		fmt.Fprintf(os.Stdout, "[%s]\n", notice)
	}
	return nil
}

func refusal(v chat.View) string {
	switch {
	case v.Loading:
		return "still loading this conversation"
	case v.CanStop():
		return "a reply is in progress, /stop to cancel it"
	case !v.Connected:
		return "not connected to the recipe service"
	}
	return "not sent"
}

// termPrinter writes conversation changes to a terminal, printing streamed
// replies incrementally.
type termPrinter struct {
	w       io.Writer
	key     types.StorageKey
	primed  bool
	printed map[types.MessageID]string
	done    map[types.MessageID]bool
}

func newTermPrinter(w io.Writer) *termPrinter {
	return &termPrinter{w: w}
}

// Render prints what changed since the previous view.
func (p *termPrinter) Render(v chat.View) {
	if v.Key != p.key || p.printed == nil {
		p.key = v.Key
		p.primed = false
		p.printed = make(map[types.MessageID]string)
		p.done = make(map[types.MessageID]bool)
	}
	if v.Loading {
		return
	}
	if !p.primed {
		p.primed = true
		fmt.Fprintf(p.w, "── %s ──\n", v.Context)
		for _, m := range v.Messages {
			if m.IsLoadingPlaceholder {
				continue
			}
			fmt.Fprintf(p.w, "%s: %s\n", author(m), m.Text)
			p.printed[m.ID] = m.Text
			p.done[m.ID] = true
		}
		fmt.Fprintf(p.w, "(%s)\n", v.Mode.Hint())
		return
	}

	for _, m := range v.Messages {
		if m.Sender == types.SenderUser {
			// Typed by the user, already on screen.
			p.printed[m.ID] = m.Text
			p.done[m.ID] = true
			continue
		}
		if p.done[m.ID] {
			continue
		}
		prev, seen := p.printed[m.ID]
		if m.IsLoadingPlaceholder {
			if !seen {
				fmt.Fprintf(p.w, "… %s\n", m.Text)
				p.printed[m.ID] = m.Text
			}
			continue
		}
		if !seen {
			fmt.Fprintf(p.w, "%s: ", author(m))
		}
		switch {
		case strings.HasPrefix(m.Text, prev):
			fmt.Fprint(p.w, m.Text[len(prev):])
		case strings.HasPrefix(m.Text, strings.TrimSpace(prev)):
			fmt.Fprint(p.w, m.Text[len(strings.TrimSpace(prev)):])
		}
		p.printed[m.ID] = m.Text
		if m.Complete {
			fmt.Fprintln(p.w)
			p.done[m.ID] = true
		}
	}
}

func author(m types.Message) string {
	if m.Sender == types.SenderUser {
		return "you"
	}
	return "chatrecipe"
}
