// Package relay streams backend generations to a downstream writer.
//
// A Relay turns one query into one backend request and forwards the text of
// every fragment, in arrival order, as soon as it is decoded. A session ends
// when the backend body reaches EOF, when the backend fails (the apology text
// is written in place of further output), when a fragment cannot be decoded
// (the session is aborted) or when the downstream writer goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"elley/internal/core"
	"elley/internal/persona"
)

// DefaultApology is written to the client when the backend cannot be used.
const DefaultApology = "Sorry, there was an error connecting to the AI model."

// Generator opens a streaming generation on the backend.
type Generator interface {
	Generate(ctx context.Context, req *core.GenerateRequest) (io.ReadCloser, error)
}

// Outcome classifies how a relay session ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeBackendError Outcome = "backend_error"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeClientGone   Outcome = "client_gone"
)

// Hooks observes relay sessions. Implementations must be safe for concurrent use.
type Hooks interface {
	SessionStarted()
	FragmentForwarded()
	// SessionEnded receives the final backend fragment, or nil if none arrived.
	SessionEnded(outcome Outcome, elapsed time.Duration, final *core.Fragment)
}

// ErrClientGone is returned when the downstream side disconnects mid-session.
var ErrClientGone = errors.New("client disconnected")

// Config holds the fixed parameters of a Relay.
type Config struct {
	Model   string
	Apology string
	Persona *persona.Persona
	Hooks   Hooks
	Logger  *slog.Logger

	// MaxFragmentBytes bounds one backend line; zero means DefaultMaxLineBytes.
	MaxFragmentBytes int
}

// Relay is safe for concurrent use; sessions share no mutable state.
type Relay struct {
	backend Generator
	model   string
	apology string
	persona *persona.Persona
	hooks   Hooks
	logger  *slog.Logger
	maxLine int
}

// New creates a Relay forwarding to backend.
func New(backend Generator, cfg Config) *Relay {
	r := &Relay{
		backend: backend,
		model:   cfg.Model,
		apology: cfg.Apology,
		persona: cfg.Persona,
		hooks:   cfg.Hooks,
		logger:  cfg.Logger,
		maxLine: cfg.MaxFragmentBytes,
	}
	if r.apology == "" {
		r.apology = DefaultApology
	}
	if r.persona == nil {
		r.persona = persona.Default()
	}
	if r.hooks == nil {
		r.hooks = noopHooks{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Model returns the backend model identifier.
func (r *Relay) Model() string {
	return r.model
}

// Stream runs one relay session for query, writing fragment text to w.
// If w implements http.Flusher it is flushed after every write.
//
// Backend failures are not returned: the apology is written and Stream
// returns nil. A malformed fragment returns an error wrapping
// ErrMalformedFragment, and a failed write or cancelled ctx returns an error
// wrapping ErrClientGone. In both cases the caller should drop the connection.
func (r *Relay) Stream(ctx context.Context, query string, w io.Writer) (err error) {
	start := time.Now()
	logger := r.logger.With("request_id", core.GetRequestID(ctx), "model", r.model)

	outcome := OutcomeCompleted
	var final *core.Fragment
	forwarded := 0

	r.hooks.SessionStarted()
	defer func() {
		elapsed := time.Since(start)
		r.hooks.SessionEnded(outcome, elapsed, final)
		attrs := []any{"outcome", outcome, "fragments", forwarded, "duration", elapsed}
		if final != nil {
			attrs = append(attrs,
				"prompt_tokens", final.PromptTokens,
				"completion_tokens", final.CompletionTokens,
				"done_reason", final.DoneReason,
			)
		}
		if err != nil && outcome != OutcomeClientGone {
			logger.Error("relay session aborted", append(attrs, "error", err)...)
			return
		}
		logger.Info("relay session finished", attrs...)
	}()

	prompt, err := r.persona.Build(query)
	if err != nil {
		outcome = OutcomeBackendError
		logger.Error("failed to build prompt", "error", err)
		return r.apologize(ctx, w, &outcome)
	}

	body, err := r.backend.Generate(ctx, &core.GenerateRequest{
		Model:  r.model,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			outcome = OutcomeClientGone
			return fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
		}
		outcome = OutcomeBackendError
		logger.Warn("could not stream from backend", "error", err)
		return r.apologize(ctx, w, &outcome)
	}
	defer func() {
		_ = body.Close()
	}()

	dec := NewDecoderSize(body, r.maxLine)
	for {
		frag, derr := dec.Next()
		if derr != nil {
			switch {
			case errors.Is(derr, io.EOF):
				return nil
			case ctx.Err() != nil:
				outcome = OutcomeClientGone
				return fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
			case errors.Is(derr, ErrMalformedFragment):
				outcome = OutcomeMalformed
				return derr
			default:
				outcome = OutcomeBackendError
				logger.Warn("backend stream failed", "error", derr, "fragments", forwarded)
				return r.apologize(ctx, w, &outcome)
			}
		}

		if frag.Done {
			f := frag
			final = &f
		}
		if frag.Text == "" {
			continue
		}
		if werr := write(w, frag.Text); werr != nil {
			outcome = OutcomeClientGone
			return fmt.Errorf("%w: %w", ErrClientGone, werr)
		}
		forwarded++
		r.hooks.FragmentForwarded()
	}
}

// apologize writes the apology as if it were the next token.
func (r *Relay) apologize(ctx context.Context, w io.Writer, outcome *Outcome) error {
	if ctx.Err() != nil {
		*outcome = OutcomeClientGone
		return fmt.Errorf("%w: %w", ErrClientGone, ctx.Err())
	}
	if err := write(w, r.apology); err != nil {
		*outcome = OutcomeClientGone
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return nil
}

func write(w io.Writer, text string) error {
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

type noopHooks struct{}

func (noopHooks) SessionStarted() {}

func (noopHooks) FragmentForwarded() {}

func (noopHooks) SessionEnded(Outcome, time.Duration, *core.Fragment) {}
