// Package agent answers questions from chat history: search, prompt, generate.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/telequery/internal/llm"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/search"
	"github.com/matheus3301/telequery/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Response statuses.
const (
	StatusSuccess   = "success"
	StatusNoResults = "no_results"
	StatusError     = "error"
)

// NoResultsAnswer is returned when search finds nothing relevant.
const NoResultsAnswer = "I couldn't find any relevant messages to answer your question."

const (
	defaultMaxContextMessages = 100
	defaultTemperature        = 0.3
)

// Searcher runs retrieval for the agent.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

// Options tunes answer generation.
type Options struct {
	MaxContextMessages int
	Temperature        *float64 // nil means 0.3
	MaxTokens          int
}

// Request is one question.
type Request struct {
	Question string
	UserID   string
	ChatID   string
	From     time.Time // optional lower bound on message time
	To       time.Time // optional upper bound on message time
	Debug    bool
}

// SourceMessage is a message the answer was built from. ExpandedText and
// RelevanceScore are only set in debug mode.
type SourceMessage struct {
	MessageID      string
	Sender         string
	Timestamp      time.Time
	Text           string
	ExpandedText   string
	RelevanceScore *float64
}

// Response is the structured answer. Process always returns one.
type Response struct {
	RequestID      string
	AnswerText     string
	SourceMessages []SourceMessage
	Status         string
	RewrittenQuery string // debug only
}

// Agent orchestrates search and answer generation.
type Agent struct {
	searcher  Searcher
	completer llm.Completer
	opts      Options
	temp      float64
	logger    *zap.Logger
}

// New creates an agent.
func New(searcher Searcher, completer llm.Completer, opts Options, logger *zap.Logger) *Agent {
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = defaultMaxContextMessages
	}
	temp := defaultTemperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	return &Agent{
		searcher:  searcher,
		completer: completer,
		opts:      opts,
		temp:      temp,
		logger:    logging.OrNop(logger),
	}
}

// Process answers req. Errors and panics anywhere in the pipeline become a
// response with StatusError.
func (a *Agent) Process(ctx context.Context, req Request) (resp Response) {
	requestID := uuid.NewString()
	logger := a.logger.With(zap.String("request_id", requestID))
	ctx, span := tracing.Start(ctx, "agent.process",
		attribute.String("request.id", requestID),
		attribute.Bool("request.debug", req.Debug),
	)
	var failure error
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("panic: %v", r)
			logger.Error("query panicked", zap.Any("panic", r))
			resp = errorResponse(requestID, failure)
		}
		span.SetAttributes(attribute.String("response.status", resp.Status))
		tracing.End(span, failure)
	}()

	resp, failure = a.process(ctx, req)
	resp.RequestID = requestID
	if failure != nil {
		logger.Error("query failed", zap.Error(failure))
		return errorResponse(requestID, failure)
	}
	logger.Info("query answered",
		zap.String("status", resp.Status),
		zap.Int("sources", len(resp.SourceMessages)),
	)
	return resp
}

func (a *Agent) process(ctx context.Context, req Request) (Response, error) {
	result, err := a.searcher.Search(ctx, search.Request{
		Query:  req.Question,
		ChatID: req.ChatID,
		From:   req.From,
		To:     req.To,
		Debug:  req.Debug,
	})
	if err != nil {
		return Response{}, fmt.Errorf("search: %w", err)
	}
	if len(result.Hits) == 0 {
		resp := Response{AnswerText: NoResultsAnswer, SourceMessages: []SourceMessage{}, Status: StatusNoResults}
		if req.Debug {
			resp.RewrittenQuery = result.RewrittenQuery
		}
		return resp, nil
	}

	hits := result.Hits
	if len(hits) > a.opts.MaxContextMessages {
		hits = hits[:a.opts.MaxContextMessages]
	}

	out, err := a.completer.Generate(ctx, llm.Request{
		System:      systemPrompt,
		User:        userPrompt(req.Question, hits),
		Temperature: a.temp,
		MaxTokens:   a.opts.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("generate answer: %w", err)
	}

	resp := Response{
		AnswerText:     strings.TrimSpace(out.Content),
		SourceMessages: make([]SourceMessage, len(hits)),
		Status:         StatusSuccess,
	}
	for i, h := range hits {
		src := SourceMessage{
			MessageID: h.Message.ID,
			Sender:    h.Message.SenderName,
			Timestamp: h.Message.Time(),
			Text:      h.Message.Text,
		}
		if req.Debug {
			score := h.Score
			src.ExpandedText = h.ExpandedText
			src.RelevanceScore = &score
		}
		resp.SourceMessages[i] = src
	}
	if req.Debug {
		resp.RewrittenQuery = result.RewrittenQuery
	}
	return resp, nil
}

func errorResponse(requestID string, err error) Response {
	return Response{
		RequestID:      requestID,
		AnswerText:     "An error occurred while processing your query: " + err.Error(),
		SourceMessages: []SourceMessage{},
		Status:         StatusError,
	}
}
