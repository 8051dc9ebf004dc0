// Package chat answers user messages from the caller's documents: it
// retrieves context, streams the model's reply and records every turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/rag"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNothingToRetry = errors.New("last turn is complete")
	ErrClientGone     = errors.New("client disconnected")
)

const (
	titleLength  = 50
	persistGrace = 10 * time.Second
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.RetrieveOptions) ([]rag.Passage, error)
}

type Generator interface {
	ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

type Options struct {
	TopK              int
	MinScore          float64
	HistoryMessages   int
	HistoryTokens     int
	GenerationTimeout time.Duration
	LockTTL           time.Duration
	Temperature       float64
	MaxTokens         int
}

func OptionsFromConfig(chat config.ChatConfig, gen config.LLMConfig) Options {
	return Options{
		TopK:              chat.TopK,
		MinScore:          chat.MinScore,
		HistoryMessages:   chat.HistoryMessages,
		HistoryTokens:     chat.HistoryTokens,
		GenerationTimeout: chat.GenerationTimeout,
		LockTTL:           chat.LockTTL,
		Temperature:       gen.Temperature,
		MaxTokens:         gen.MaxTokens,
	}
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.HistoryMessages <= 0 {
		o.HistoryMessages = 5
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 2 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	return o
}

// Request is one user message. A zero SessionID starts a new session. An
// empty DocumentIDs scopes retrieval to all of the owner's documents.
type Request struct {
	SessionID   uuid.UUID
	Owner       uuid.UUID
	Message     string
	DocumentIDs []uuid.UUID
}

type Delta struct {
	Content string `json:"content"`
}

// EmitFunc forwards a delta to the client. An error means the client is
// gone and generation stops.
type EmitFunc func(Delta) error

// Result describes a turn. Reply is set whenever an assistant message was
// recorded, including failed turns.
type Result struct {
	Session *models.ChatSession
	User    *models.ChatMessage
	Reply   *models.ChatMessage
	Sources []rag.Passage
}

type Orchestrator struct {
	sessions  SessionStore
	retriever Retriever
	generator Generator
	locker    lock.Locker
	opts      Options
	logger    *slog.Logger
}

func NewOrchestrator(sessions SessionStore, retriever Retriever, generator Generator, locker lock.Locker, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  sessions,
		retriever: retriever,
		generator: generator,
		locker:    locker,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Send records the user message, streams a grounded answer through emit
// and records the reply. Only one generation runs per session; a second
// Send while one is active fails with apperr.ErrGenerationInProgress.
//
// A non-nil error with a non-nil Result means the turn failed after the
// user message was stored; the reply is then marked truncated.
func (o *Orchestrator) Send(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, ErrEmptyMessage
	}

	var (
		sess *models.ChatSession
		err  error
	)
	if req.SessionID == uuid.Nil {
		sess, err = o.sessions.CreateSession(ctx, req.Owner, sessionTitle(question))
	} else {
		sess, err = o.sessions.GetSession(ctx, req.SessionID, req.Owner)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := o.acquire(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	history, err := o.sessions.Messages(ctx, sess.ID, o.opts.HistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	user := &models.ChatMessage{SessionID: sess.ID, Role: models.RoleUser, Content: question}
	if err := o.sessions.AppendMessage(ctx, user); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	res := &Result{Session: sess, User: user}
	return o.answer(ctx, res, req.DocumentIDs, history, emit)
}

// Retry regenerates the reply to the latest user message when the last
// turn was interrupted. The user message is not stored again; the new
// reply is appended after the truncated one.
func (o *Orchestrator) Retry(ctx context.Context, sessionID, owner uuid.UUID, documentIDs []uuid.UUID, emit EmitFunc) (*Result, error) {
	sess, err := o.sessions.GetSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}

	unlock, err := o.acquire(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	recent, err := o.sessions.Messages(ctx, sess.ID, o.opts.HistoryMessages+2)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	userIdx := lastUnanswered(recent)
	if userIdx < 0 {
		return nil, ErrNothingToRetry
	}

	user := recent[userIdx]
	history := recent[:userIdx]
	if len(history) > o.opts.HistoryMessages {
		history = history[len(history)-o.opts.HistoryMessages:]
	}

	res := &Result{Session: sess, User: &user}
	return o.answer(ctx, res, documentIDs, history, emit)
}

// lastUnanswered returns the index of the user message a retry should
// answer, or -1 when the last turn completed.
func lastUnanswered(msgs []models.ChatMessage) int {
	if len(msgs) == 0 {
		return -1
	}
	last := msgs[len(msgs)-1]
	if last.Role == models.RoleAssistant && !last.Truncated {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	unlock, err := o.locker.TryLock(ctx, lock.SessionKey(sessionID), o.opts.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("session %s: %w", sessionID, apperr.ErrGenerationInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return unlock, nil
}

func (o *Orchestrator) answer(ctx context.Context, res *Result, documentIDs []uuid.UUID, history []models.ChatMessage, emit EmitFunc) (*Result, error) {
	logger := o.logger.With("session_id", res.Session.ID, "sequence", res.User.Sequence)

	passages, err := o.retriever.Retrieve(ctx, res.User.Content, rag.RetrieveOptions{
		Owner:       res.Session.Owner,
		DocumentIDs: documentIDs,
		TopK:        o.opts.TopK,
		MinScore:    o.opts.MinScore,
	})
	if err != nil {
		err = fmt.Errorf("retrieve context: %w", err)
		return o.fail(ctx, res, "", err, logger)
	}
	res.Sources = passages

	msgs := rag.BuildPrompt(rag.PromptInput{
		Question:      res.User.Content,
		Passages:      passages,
		History:       toLLM(history),
		HistoryTokens: o.opts.HistoryTokens,
	})

	genCtx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
	defer cancel()

	stream, err := o.generator.ChatStream(genCtx, llm.ChatRequest{
		Messages:    msgs,
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	})
	if err != nil {
		return o.fail(ctx, res, "", o.interruption(ctx, genCtx, fmt.Errorf("open stream: %w", err)), logger)
	}

	text, err := o.consume(ctx, genCtx, stream, emit)
	// stops the upstream request when consumption ended early
	cancel()
	if err != nil {
		return o.fail(ctx, res, text, err, logger)
	}

	reply := &models.ChatMessage{SessionID: res.Session.ID, Role: models.RoleAssistant, Content: text}
	if err := o.persist(ctx, reply); err != nil {
		// a second write may still land; the turn then reads as truncated
		return o.fail(ctx, res, text, fmt.Errorf("append reply: %w", err), logger)
	}
	res.Reply = reply
	logger.Info("chat turn completed", "reply_sequence", reply.Sequence, "sources", len(passages))
	return res, nil
}

// consume forwards deltas until the stream ends. The accumulated text is
// returned even on error.
func (o *Orchestrator) consume(ctx, genCtx context.Context, stream <-chan llm.StreamChunk, emit EmitFunc) (string, error) {
	var sb strings.Builder
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), o.interruption(ctx, genCtx, errors.New("stream closed before completion"))
			}
			if chunk.Error != nil {
				return sb.String(), o.interruption(ctx, genCtx, chunk.Error)
			}
			if chunk.Content != "" {
				sb.WriteString(chunk.Content)
				if err := emit(Delta{Content: chunk.Content}); err != nil {
					return sb.String(), fmt.Errorf("%w: %v", ErrClientGone, err)
				}
			}
			if chunk.Done {
				return sb.String(), nil
			}
		case <-genCtx.Done():
			return sb.String(), o.interruption(ctx, genCtx, genCtx.Err())
		}
	}
}

// interruption names why generation stopped, preferring the caller's
// cancellation and the generation deadline over what the provider reported.
func (o *Orchestrator) interruption(ctx, genCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrClientGone, ctx.Err())
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("generation timed out after %s: %w", o.opts.GenerationTimeout, context.DeadlineExceeded)
	default:
		return fmt.Errorf("generation failed: %w", err)
	}
}

// fail records the partial reply as truncated so the turn is never left
// without an answer, and returns err.
func (o *Orchestrator) fail(ctx context.Context, res *Result, partial string, err error, logger *slog.Logger) (*Result, error) {
	reply := &models.ChatMessage{
		SessionID: res.Session.ID,
		Role:      models.RoleAssistant,
		Content:   partial,
		Truncated: true,
		Error:     err.Error(),
	}
	if perr := o.persist(ctx, reply); perr != nil {
		logger.Error("failed to record truncated reply", "error", perr, "cause", err)
		return res, errors.Join(err, perr)
	}
	res.Reply = reply
	logger.Warn("chat turn interrupted", "reply_sequence", reply.Sequence, "partial_length", len(partial), "error", err)
	return res, err
}

// persist writes even after the client went away.
func (o *Orchestrator) persist(ctx context.Context, msg *models.ChatMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistGrace)
	defer cancel()
	return o.sessions.AppendMessage(ctx, msg)
}

// History lists a session's messages after checking ownership.
func (o *Orchestrator) History(ctx context.Context, sessionID, owner uuid.UUID, limit int) ([]models.ChatMessage, error) {
	if _, err := o.sessions.GetSession(ctx, sessionID, owner); err != nil {
		return nil, err
	}
	return o.sessions.Messages(ctx, sessionID, limit)
}

func (o *Orchestrator) Sessions(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.ChatSession, error) {
	return o.sessions.ListSessions(ctx, owner, limit, offset)
}

func toLLM(history []models.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := llm.RoleUser
		if m.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

func sessionTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return models.DefaultSessionTitle
	}
	if utf8.RuneCountInString(title) > titleLength {
		title = string([]rune(title)[:titleLength]) + "..."
	}
	return title
}
