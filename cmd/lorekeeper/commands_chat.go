package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/usecase"
)

// sessionFlags pick the session, collection and page context for a run.
type sessionFlags struct {
	sessionID  string
	collection string
	page       string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sessionID, "session", "", "Resume a saved session by id")
	cmd.Flags().StringVar(&f.collection, "collection", "", "Collection to work in (default from config)")
	cmd.Flags().StringVar(&f.page, "page", "", "Entity the user is viewing, as type:id")
}

// openSession resumes the flagged session or starts a new one.
func (f *sessionFlags) openSession(a *app) (*usecase.Session, error) {
	if f.sessionID != "" {
		return a.sessions.Get(f.sessionID)
	}
	collection := f.collection
	if collection == "" {
		collection = a.cfg.Store.Collection
	}
	return a.sessions.Create(collection), nil
}

// pageContext resolves --page against the store so the prompt can cite the
// entity by name.
func (f *sessionFlags) pageContext(ctx context.Context, backend domain.EntityBackend) (*domain.PageContext, error) {
	if f.page == "" {
		return nil, nil
	}
	entityType, id, ok := strings.Cut(f.page, ":")
	if !ok || entityType == "" || id == "" {
		return nil, fmt.Errorf("--page must be type:id, got %q", f.page)
	}
	pc := &domain.PageContext{EntityType: entityType, EntityID: id}
	if e, err := backend.Get(ctx, entityType, id); err == nil {
		pc.Name = e.Name
	}
	return pc, nil
}

func buildChatCmd(flags *rootFlags) *cobra.Command {
	sf := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation about your collection",
		Long: `Start an interactive conversation. Answers stream as they are written.

Changes the assistant wants to make are collected as proposals; nothing is
written to the store until you accept them.

Commands inside the chat:
  /proposals         list proposals of this session
  /diff <id>         show the diffs of a patch proposal
  /accept <id>       apply a pending proposal
  /reject <id>       discard a pending proposal
  /items             show the assistant's work items
  /usage             show token usage so far
  /quit              leave the chat

Press Ctrl-C while an answer is streaming to cancel it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, sf)
		},
	}
	sf.register(cmd)
	return cmd
}

func runChat(cmd *cobra.Command, flags *rootFlags, sf *sessionFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, flags, true)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := sf.openSession(a)
	if err != nil {
		return err
	}
	page, err := sf.pageContext(ctx, a.store)
	if err != nil {
		return err
	}

	r := &chatREPL{
		app:     a,
		session: s,
		page:    page,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
	}
	return r.run(ctx, cmd.InOrStdin())
}

// chatREPL reads user lines and drives one agent run per line.
type chatREPL struct {
	app     *app
	session *usecase.Session
	page    *domain.PageContext
	out     io.Writer
	errOut  io.Writer
	usage   domain.Usage
}

func (r *chatREPL) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprintf(r.out, "Session %s, collection %q. Type /help for commands.\n", r.session.ID, r.session.CollectionID)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/"):
			if quit := r.command(ctx, line); quit {
				return nil
			}
		default:
			r.ask(ctx, line)
		}
	}
}

func (r *chatREPL) ask(ctx context.Context, input string) {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res := r.app.agent.Run(runCtx, usecase.RunRequest{
		Session:    r.session,
		Input:      input,
		Page:       r.page,
		OnDelta:    func(text string) { fmt.Fprint(r.out, text) },
		OnUsage:    r.usage.Add,
		OnProgress: r.progress,
	})
	fmt.Fprintln(r.out)

	switch {
	case res.Cancelled:
		fmt.Fprintln(r.errOut, "(cancelled)")
	case res.Err != nil:
		fmt.Fprintf(r.errOut, "error [%s]: %v\n", res.ErrorCode, res.Err)
	case !res.Completed:
		fmt.Fprintf(r.errOut, "(stopped after %d iterations)\n", res.Iterations)
	}

	if err := r.app.sessions.Save(r.session.ID); err != nil {
		r.app.log.Warn("save session failed", "session_id", r.session.ID, "error", err)
	}
	r.app.sessions.ReapStale(r.app.cfg.Agent.SessionTTL)

	if pending := r.session.Proposals.Pending(); len(pending) > 0 {
		fmt.Fprintf(r.out, "\n%d proposal(s) awaiting review:\n", len(pending))
		printProposals(r.out, pending)
		fmt.Fprintln(r.out, "Use /accept <id> or /reject <id>.")
	}
}

func (r *chatREPL) progress(ev domain.ProgressEvent) {
	if ev.Visibility == domain.VisibilitySilent {
		return
	}
	switch ev.Phase {
	case domain.PhaseToolStart:
		fmt.Fprintf(r.errOut, "\n  [%s ...]\n", ev.ToolName)
	case domain.PhaseToolEnd:
		if ev.Result != nil && !ev.Result.Success {
			fmt.Fprintf(r.errOut, "  [%s failed]\n", ev.ToolName)
		}
	}
}

// command handles a slash command and reports whether to leave the chat.
func (r *chatREPL) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, "/proposals  /diff <id>  /accept <id>  /reject <id>  /items  /usage  /quit")
	case "/proposals":
		printProposals(r.out, r.session.Proposals.List())
	case "/diff":
		p, err := r.session.Proposals.Get(arg)
		if err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
			return false
		}
		printPatchDiffs(r.out, p)
	case "/accept":
		res, err := r.app.reviewer.Accept(ctx, r.session, arg)
		if err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
			return false
		}
		printAccepted(r.out, res)
	case "/reject":
		p, err := r.app.reviewer.Reject(ctx, r.session, arg)
		if err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "Rejected %s\n", p.Base().ID)
	case "/items":
		printWorkItems(r.out, r.session.WorkItems.List(), r.session.WorkItems.Counts())
	case "/usage":
		fmt.Fprintf(r.out, "input %d, output %d, cache read %d, cache write %d\n",
			r.usage.Input, r.usage.Output, r.usage.CacheRead, r.usage.CacheCreation)
	default:
		fmt.Fprintf(r.errOut, "unknown command %s, try /help\n", name)
	}
	return false
}
