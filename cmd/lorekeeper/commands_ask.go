package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"lorekeeper/internal/usecase"
)

type askOptions struct {
	schemaPath string
	jsonOut    bool
	acceptAll  bool
}

func buildAskCmd(flags *rootFlags) *cobra.Command {
	sf := &sessionFlags{}
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Long: `Ask a single question. With --schema the answer is a JSON document
validated against the given JSON Schema file.

The transcript is saved, so the conversation can be continued with
"lorekeeper chat --session <id>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, flags, sf, opts, args[0])
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&opts.schemaPath, "schema", "", "JSON Schema file for a structured answer")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the full run result as JSON")
	cmd.Flags().BoolVar(&opts.acceptAll, "accept-all", false, "Accept every proposal the answer produced")
	return cmd
}

func runAsk(cmd *cobra.Command, flags *rootFlags, sf *sessionFlags, opts *askOptions, question string) error {
	var schema json.RawMessage
	if opts.schemaPath != "" {
		data, err := os.ReadFile(opts.schemaPath)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("schema %s is not valid JSON", opts.schemaPath)
		}
		schema = data
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

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

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	req := usecase.RunRequest{
		Session:      s,
		Input:        question,
		Page:         page,
		OutputSchema: schema,
	}
	streaming := !opts.jsonOut && schema == nil
	if streaming {
		req.OnDelta = func(text string) { fmt.Fprint(out, text) }
	}

	res := a.agent.Run(ctx, req)
	if err := a.sessions.Save(s.ID); err != nil {
		a.log.Warn("save session failed", "session_id", s.ID, "error", err)
	}

	if opts.acceptAll {
		for _, p := range s.Proposals.Pending() {
			accepted, err := a.reviewer.Accept(ctx, s, p.Base().ID)
			if err != nil {
				fmt.Fprintf(errOut, "accept %s: %v\n", p.Base().ID, err)
				continue
			}
			printAccepted(errOut, accepted)
		}
	}

	switch {
	case opts.jsonOut:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	case len(res.Structured) > 0:
		var buf bytes.Buffer
		if err := json.Indent(&buf, res.Structured, "", "  "); err != nil {
			buf.Reset()
			buf.Write(res.Structured)
		}
		fmt.Fprintln(out, buf.String())
	case streaming:
		fmt.Fprintln(out)
	default:
		fmt.Fprintln(out, res.Response)
	}

	if pending := s.Proposals.Pending(); len(pending) > 0 && !opts.jsonOut {
		// Proposals live only as long as the process.
		fmt.Fprintf(errOut, "%d proposal(s) not applied; rerun with --accept-all or use chat to review\n", len(pending))
	}
	fmt.Fprintf(errOut, "session %s\n", s.ID)

	switch {
	case res.Cancelled:
		return fmt.Errorf("cancelled")
	case res.Err != nil:
		return res.Err
	}
	return nil
}
