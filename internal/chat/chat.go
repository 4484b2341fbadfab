// Package chat implements the interactive terminal client for the gateway.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"elley/internal/core"
	"elley/internal/httpclient"
)

const (
	prompt   = "You: "
	aiPrefix = "AI: "
	goodbye  = "Goodbye!"
	rule     = "==================================================="
	title    = "    ELLEY STREAMING CHAT (type 'quit' to exit) "
)

// LineReader reads one line of user input. *liner.State satisfies it.
// It returns liner.ErrPromptAborted on Ctrl-C and io.EOF at end of input.
type LineReader interface {
	Prompt(prompt string) (string, error)
}

// Loop is one interactive chat session against the gateway.
type Loop struct {
	In         LineReader
	Out        io.Writer
	GatewayURL string
	// Client defaults to a streaming client with no overall timeout.
	Client *http.Client
	// History, if set, receives every non-empty line that is sent.
	History func(line string)
}

// Run prompts until the user quits, input ends or ctx is cancelled.
// Gateway failures are reported and the loop continues; Run returns an
// error only when input cannot be read for some other reason.
func (l *Loop) Run(ctx context.Context) error {
	client := l.Client
	if client == nil {
		client = httpclient.NewHTTPClient(nil)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintln(l.Out, rule)
	cyan.Fprintln(l.Out, title)
	cyan.Fprintln(l.Out, rule)

	for {
		if ctx.Err() != nil {
			fmt.Fprintln(l.Out, "\n"+goodbye)
			return nil
		}

		fmt.Fprintln(l.Out)
		line, err := l.In.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(l.Out, "\n"+goodbye)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "quit", "exit":
			fmt.Fprintln(l.Out, goodbye)
			return nil
		}
		if l.History != nil && strings.TrimSpace(line) != "" {
			l.History(line)
		}

		fmt.Fprint(l.Out, aiPrefix)
		if err := l.ask(ctx, client, line); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(l.Out, "\n"+goodbye)
				return nil
			}
			fmt.Fprintln(l.Out)
			color.New(color.FgRed).Fprintf(l.Out, "[ERROR] Could not connect to the AI server at %s. Is it running?\n", l.GatewayURL)
			continue
		}
		fmt.Fprintln(l.Out)
	}
}

// ask sends query and copies the answer to Out as it arrives.
func (l *Loop) ask(ctx context.Context, client *http.Client, query string) error {
	body, err := json.Marshal(core.QueryRequest{Query: &query})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	_, err = io.Copy(l.Out, resp.Body)
	return err
}
