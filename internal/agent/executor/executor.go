package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/informed-assistant/server/internal/agent/llm"
	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/prompts"
	logx "github.com/informed-assistant/server/pkg/logger"
)

// FallbackAnswer is the user-safe answer of a failed query.
const FallbackAnswer = "Sorry, I'm having some trouble answering your question. Please contact support"

// QueryStore is the part of the query store the executor needs.
type QueryStore interface {
	Get(ctx context.Context, queryID string) (*model.Query, error)
	Persist(ctx context.Context, q *model.Query) error
}

type Deps struct {
	Queries   QueryStore
	Users     model.UserLookup
	Context   model.ContextBuilder
	Completer model.Completer
}

// Executor answers a single query end to end.
type Executor struct {
	queries   QueryStore
	users     model.UserLookup
	context   model.ContextBuilder
	completer model.Completer
	source    model.QuerySource
	now       func() time.Time
	log       zerolog.Logger
}

func New(deps Deps, config model.PromptConfig) *Executor {
	return &Executor{
		queries:   deps.Queries,
		users:     deps.Users,
		context:   deps.Context,
		completer: deps.Completer,
		source:    model.QuerySource{Source: config.SourceURL},
		now:       time.Now,
		log:       logx.Component("query_executor"),
	}
}

type answerOutput struct {
	Answer string `json:"answer"`
}

// Run drives queryID through PENDING and PROCESSING to a terminal state,
// persisting every step. Collaborator failures end the query FAILED and are
// not returned. Cancellation of ctx ends it CANCELLED and returns ctx.Err().
func (e *Executor) Run(ctx context.Context, queryID, instructions string) error {
	// The row is read even when ctx is already cancelled so the
	// cancellation can still be recorded on it.
	q, err := e.queries.Get(context.WithoutCancel(ctx), queryID)
	if err != nil {
		return fmt.Errorf("load query %s: %w", queryID, err)
	}
	log := e.log.With().Str("query_id", q.ID).Str("user_id", q.UserID).Logger()

	if err := e.step(ctx, q, model.QueryPending); err != nil {
		return e.abort(ctx, q, err)
	}

	user, err := e.users.GetUser(ctx, q.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancel(ctx, q)
		}
		log.Error().Err(err).Msg("user lookup failed")
		e.fail(ctx, q)
		return nil
	}

	queryContext, err := e.context.BuildContext(ctx, user)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancel(ctx, q)
		}
		log.Warn().Err(err).Msg("context build failed")
		e.fail(ctx, q)
		return nil
	}

	if err := e.step(ctx, q, model.QueryProcessing); err != nil {
		return e.abort(ctx, q, err)
	}

	answer, err := e.answer(ctx, q, user, queryContext, instructions)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancel(ctx, q)
		}
		log.Error().Err(err).Msg("completion failed")
		e.fail(ctx, q)
		return nil
	}

	if err := q.Complete(answer, e.source); err != nil {
		return err
	}
	if err := e.persistFinal(ctx, q); err != nil {
		return err
	}
	log.Info().Int("answer_chars", len(answer)).Msg("query completed")
	return nil
}

func (e *Executor) answer(ctx context.Context, q *model.Query, user *model.User, queryContext, instructions string) (string, error) {
	output := llm.AnswerTool()
	system, err := prompts.RenderSystem(ctx, prompts.SystemVars{
		Now:          e.now(),
		Instructions: instructions,
		AnswerTool:   output.Name,
	})
	if err != nil {
		return "", err
	}
	userPrompt, err := prompts.RenderQuery(ctx, prompts.QueryVars{
		Query:   q.Query,
		Context: queryContext,
		User:    user.Summary(),
	})
	if err != nil {
		return "", err
	}

	raw, err := e.completer.Complete(ctx, model.CompletionRequest{
		SystemPrompt: system,
		UserPrompt:   userPrompt,
		Output:       output,
	})
	if err != nil {
		return "", err
	}

	var out answerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode %s output: %w", output.Name, err)
	}
	answer := strings.TrimSpace(out.Answer)
	if answer == "" {
		return "", fmt.Errorf("%s output has an empty answer", output.Name)
	}
	return answer, nil
}

// step moves q to a non-terminal state and persists it.
func (e *Executor) step(ctx context.Context, q *model.Query, next model.QueryState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev := q.State
	if err := q.Transition(next); err != nil {
		return err
	}
	if err := e.queries.Persist(ctx, q); err != nil {
		q.State = prev
		return err
	}
	return nil
}

// abort handles a failed intermediate step.
func (e *Executor) abort(ctx context.Context, q *model.Query, err error) error {
	if ctx.Err() != nil {
		return e.cancel(ctx, q)
	}
	e.log.Error().Err(err).Str("query_id", q.ID).Msg("query step failed")
	e.fail(ctx, q)
	return err
}

func (e *Executor) fail(ctx context.Context, q *model.Query) {
	e.accept(ctx, q)
	if err := q.Fail(FallbackAnswer); err != nil {
		e.log.Warn().Err(err).Str("query_id", q.ID).Msg("query cannot be failed")
		return
	}
	if err := e.persistFinal(ctx, q); err != nil {
		e.log.Error().Err(err).Str("query_id", q.ID).Msg("failed to persist failed query")
	}
}

// cancel records the cancellation and returns the context error so the
// owning task is observably cancelled.
func (e *Executor) cancel(ctx context.Context, q *model.Query) error {
	cause := ctx.Err()
	e.accept(ctx, q)
	if err := q.Cancel(); err != nil {
		e.log.Warn().Err(err).Str("query_id", q.ID).Msg("query cannot be cancelled")
		return cause
	}
	if err := e.persistFinal(ctx, q); err != nil {
		e.log.Error().Err(err).Str("query_id", q.ID).Msg("failed to persist cancelled query")
	}
	e.log.Info().Str("query_id", q.ID).Msg("query cancelled")
	return cause
}

// accept moves a query that never left CREATED to PENDING, since terminal
// states are only reachable from PENDING or PROCESSING.
func (e *Executor) accept(ctx context.Context, q *model.Query) {
	if q.State != model.QueryCreated {
		return
	}
	if err := q.Transition(model.QueryPending); err != nil {
		return
	}
	if err := e.queries.Persist(context.WithoutCancel(ctx), q); err != nil {
		e.log.Warn().Err(err).Str("query_id", q.ID).Msg("failed to persist pending query")
	}
}

// persistFinal writes a terminal state even when ctx is already cancelled.
// Losing the race to another terminal write is not an error.
func (e *Executor) persistFinal(ctx context.Context, q *model.Query) error {
	err := e.queries.Persist(context.WithoutCancel(ctx), q)
	if errors.Is(err, model.ErrIllegalTransition) {
		e.log.Warn().Err(err).Str("query_id", q.ID).Str("state", string(q.State)).Msg("query already terminal")
		return nil
	}
	return err
}
