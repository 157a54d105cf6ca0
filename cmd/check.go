package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/pipeline"
	"github.com/sells-group/fitcheck/pkg/sse"
)

const (
	promptAnother = "Check another"
	promptQuit    = "Quit"
)

var (
	checkRemote   string
	checkThoughts bool
	checkJSON     bool
)

var checkCmd = &cobra.Command{
	Use:   "check [query]",
	Short: "Run a fit check and print the event stream",
	Long: "Runs the pipeline locally for a company name or job description and prints its events. " +
		"With --remote the query is sent to a running server instead. Without a query argument the " +
		"command prompts for one.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		run := func(query string) error {
			p := newEventPrinter(os.Stdout, checkJSON)
			if checkRemote != "" {
				return checkRemoteQuery(ctx, http.DefaultClient, checkRemote, query, checkThoughts, p)
			}
			return checkLocalQuery(ctx, query, p)
		}

		if len(args) > 0 {
			return run(strings.Join(args, " "))
		}

		for {
			query, err := promptQuery()
			if err != nil {
				return err
			}
			if err := run(query); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			next := promptui.Select{Label: "Next", Items: []string{promptAnother, promptQuit}}
			_, choice, err := next.Run()
			if err != nil || choice == promptQuit {
				return nil
			}
		}
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkRemote, "remote", "", "base URL of a running fitcheck server")
	checkCmd.Flags().BoolVar(&checkThoughts, "thoughts", false, "include thought events")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print raw events as JSON lines")
	rootCmd.AddCommand(checkCmd)
}

func promptQuery() (string, error) {
	prompt := promptui.Prompt{
		Label: "Company or job description",
		Validate: func(s string) error {
			if _, err := pipeline.ValidateQuery(s); err != nil {
				return errors.New(pipeline.ValidationMessage(err))
			}
			return nil
		},
	}
	query, err := prompt.Run()
	if err != nil {
		return "", eris.Wrap(err, "check: prompt")
	}
	return query, nil
}

func checkLocalQuery(ctx context.Context, query string, p *eventPrinter) error {
	env, err := initPipeline(ctx, cfg, "check")
	if err != nil {
		return err
	}
	defer env.Close()

	env.Pipeline.Run(ctx, pipeline.Request{Query: query, IncludeThoughts: checkThoughts}, func(ev model.Event) {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		p.Print(string(ev.Type), data)
	})
	return p.Err()
}

// checkRemoteQuery posts query to a server and prints its SSE stream.
func checkRemoteQuery(ctx context.Context, client *http.Client, baseURL, query string, thoughts bool, p *eventPrinter) error {
	body, err := json.Marshal(map[string]any{"query": query, "include_thoughts": thoughts})
	if err != nil {
		return eris.Wrap(err, "check: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/fit-check/stream", bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "check: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "check: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		var e model.ErrorData
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Code != "" {
			return eris.Errorf("check: server returned %d %s: %s", resp.StatusCode, e.Code, e.Message)
		}
		return eris.Errorf("check: server returned %d", resp.StatusCode)
	}

	if err := sse.ReadAll(resp.Body, func(ev sse.Event) error {
		p.Print(ev.Event, []byte(ev.Data))
		return nil
	}); err != nil && ctx.Err() == nil {
		return err
	}
	if !p.Done() && ctx.Err() == nil {
		return eris.New("check: stream ended without a complete or error event")
	}
	return p.Err()
}

// eventPrinter renders pipeline events for a terminal.
type eventPrinter struct {
	w          io.Writer
	raw        bool
	inResponse bool
	done       bool
	err        error
}

func newEventPrinter(w io.Writer, raw bool) *eventPrinter {
	return &eventPrinter{w: w, raw: raw}
}

// Print renders one event. data is the event's JSON payload.
func (p *eventPrinter) Print(name string, data []byte) {
	switch model.EventType(name) {
	case model.EventComplete:
		p.done = true
	case model.EventError:
		p.done = true
		var e model.ErrorData
		if json.Unmarshal(data, &e) == nil {
			p.err = eris.Errorf("check: %s: %s", e.Code, e.Message)
		}
	}

	if p.raw {
		fmt.Fprintf(p.w, "{\"type\":%q,\"data\":%s}\n", name, data)
		return
	}

	switch model.EventType(name) {
	case model.EventStatus:
		var d model.StatusData
		_ = json.Unmarshal(data, &d)
		fmt.Fprintf(p.w, "» %s\n", d.Message)
	case model.EventPhase:
		var d model.PhaseData
		_ = json.Unmarshal(data, &d)
		p.endResponse()
		fmt.Fprintf(p.w, "[%s] %s\n", d.Phase, d.Message)
	case model.EventPhaseComplete:
		var d model.PhaseCompleteData
		_ = json.Unmarshal(data, &d)
		p.endResponse()
		fmt.Fprintf(p.w, "  ✓ %s\n", d.Summary)
	case model.EventThought:
		var d model.ThoughtData
		_ = json.Unmarshal(data, &d)
		text := d.Content
		if d.Tool != "" {
			text = fmt.Sprintf("%s(%s) %s", d.Tool, d.Input, d.Content)
		}
		fmt.Fprintf(p.w, "  · %d %s: %s\n", d.Step, d.Type, strings.TrimSpace(text))
	case model.EventResponse:
		var d model.ResponseData
		_ = json.Unmarshal(data, &d)
		if !p.inResponse {
			fmt.Fprintln(p.w)
			p.inResponse = true
		}
		fmt.Fprint(p.w, d.Chunk)
	case model.EventComplete:
		var d model.CompleteData
		_ = json.Unmarshal(data, &d)
		p.endResponse()
		fmt.Fprintf(p.w, "\nDone in %.1fs\n", float64(d.DurationMs)/1000)
	case model.EventError:
		var d model.ErrorData
		_ = json.Unmarshal(data, &d)
		p.endResponse()
		fmt.Fprintf(p.w, "\nerror %s: %s\n", d.Code, d.Message)
	}
}

func (p *eventPrinter) endResponse() {
	if p.inResponse {
		fmt.Fprintln(p.w)
		p.inResponse = false
	}
}

// Done reports whether a terminal event was printed.
func (p *eventPrinter) Done() bool { return p.done }

// Err returns the error event's code and message, if one was printed.
func (p *eventPrinter) Err() error { return p.err }
