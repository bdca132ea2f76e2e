// Package session owns the conversation: history, the streaming turn,
// snapshots for reconnecting views and the FILE edit apply workflow.
package session

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/youruser/nexus/internal/config"
	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/logging"
	"github.com/youruser/nexus/internal/workspace"
)

//go:embed system_prompt.txt
var defaultSystemPrompt string

var (
	ErrTurnInProgress = errors.New("a reply is still streaming")
	ErrNoWorkspace    = errors.New("no workspace folder is open")
	log               = logging.Get()
)

// DefaultSystemPrompt returns the built-in system instruction.
func DefaultSystemPrompt() string {
	return strings.TrimSpace(defaultSystemPrompt)
}

const questionPrefix = "\n\nUser question: "

// streamSession is the turn in flight.
type streamSession struct {
	seq       uint64
	turnID    string
	text      strings.Builder
	cancelled bool
	cancel    context.CancelFunc
}

// pendingTurn reserves the turn slot while SendMessage gathers context.
type pendingTurn struct {
	cancel  context.CancelFunc
	stopped bool
}

// Coordinator serializes every change to the history and the stream
// session through mu.
type Coordinator struct {
	mu sync.Mutex

	cfg       *config.Config
	factory   CompleterFactory
	completer Completer

	store   FileStore
	ui      UI
	confirm Confirmer
	scanner ContextSource

	system  Message
	history []Message
	stream  *streamSession
	pending *pendingTurn
	seq     uint64

	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore sets the workspace file store. Without one, edits cannot be applied.
func WithStore(s FileStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithUI sets the receiver of outbound events.
func WithUI(ui UI) Option {
	return func(c *Coordinator) { c.ui = ui }
}

// WithConfirmer sets the confirmation gate for writes.
func WithConfirmer(cf Confirmer) Option {
	return func(c *Coordinator) { c.confirm = cf }
}

// WithSystemPrompt replaces the built-in system instruction.
func WithSystemPrompt(prompt string) Option {
	return func(c *Coordinator) {
		if strings.TrimSpace(prompt) != "" {
			c.system.Content = prompt
		}
	}
}

// WithContextSource sets the workspace summarizer.
func WithContextSource(src ContextSource) Option {
	return func(c *Coordinator) { c.scanner = src }
}

// New returns a Coordinator whose history holds only the system instruction.
func New(cfg *config.Config, factory CompleterFactory, opts ...Option) *Coordinator {
	if factory == nil {
		factory = ClientFactory
	}
	c := &Coordinator{
		cfg:     cfg,
		factory: factory,
		ui:      nopUI{},
		scanner: workspace.NewScanner(""),
		system:  Message{Role: llm.RoleSystem, Content: DefaultSystemPrompt()},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.completer = factory(cfg)
	c.history = []Message{c.system}
	return c
}

// Refresh swaps the configuration used by subsequent turns.
// A turn already streaming keeps its completer.
func (c *Coordinator) Refresh(cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.completer = c.factory(cfg)
	log.Info("Config refreshed (provider: %s, model: %s)", cfg.Provider, cfg.Model)
}

// Config returns the configuration in use.
func (c *Coordinator) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// History returns a copy of the conversation, system instruction first.
func (c *Coordinator) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Streaming reports whether a turn is in flight.
func (c *Coordinator) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func composeContent(userText string, tc TurnContext) string {
	var parts []string
	for _, p := range []string{tc.File, tc.Workspace} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return userText
	}
	return strings.Join(parts, "\n\n---\n\n") + questionPrefix + userText
}

func (c *Coordinator) promptLocked() []llm.Message {
	msgs := make([]llm.Message, len(c.history))
	for i, m := range c.history {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

// StartTurn appends the user message and streams the reply. It blocks
// until the turn completes, fails or is cancelled. Blank text is ignored.
// A second turn while one is streaming fails with ErrTurnInProgress.
func (c *Coordinator) StartTurn(ctx context.Context, userText, turnID string, tc TurnContext) error {
	return c.startTurn(ctx, userText, turnID, tc, nil)
}

// startTurn runs a turn. A non-nil p is the reservation SendMessage took;
// if it was stopped or cleared meanwhile the turn is dropped.
func (c *Coordinator) startTurn(ctx context.Context, userText, turnID string, tc TurnContext, p *pendingTurn) error {
	if strings.TrimSpace(userText) == "" {
		return nil
	}

	c.mu.Lock()
	if p != nil {
		if c.pending != p {
			c.mu.Unlock()
			log.Info("Turn %s stopped before it started", turnID)
			return nil
		}
		c.pending = nil
	}
	if c.stream != nil || c.pending != nil {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	c.history = append(c.history, Message{
		Role:      llm.RoleUser,
		Content:   composeContent(userText, tc),
		Timestamp: c.now(),
	})
	c.seq++
	turnCtx, cancel := context.WithCancel(ctx)
	s := &streamSession{seq: c.seq, turnID: turnID, cancel: cancel}
	c.stream = s
	messages := c.promptLocked()
	completer := c.completer
	warnAt := c.cfg.WarnTokens()
	c.mu.Unlock()
	defer cancel()

	log.Info("Turn %s started (seq %d, %d messages)", turnID, s.seq, len(messages))
	c.warnIfLarge(messages, warnAt)

	err := completer.ChatStream(turnCtx, messages, func(ev llm.StreamEvent) {
		if ev.Type == "content" {
			c.onFragment(s, ev.Content)
		}
	})
	return c.finish(s, err)
}

func (c *Coordinator) warnIfLarge(messages []llm.Message, warnAt int) {
	if warnAt <= 0 {
		return
	}
	total := 0
	for _, m := range messages {
		total += llm.EstimateTokensSimple(m.Content)
	}
	if total > warnAt {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ui.ContextWarning(fmt.Sprintf(
			"The prompt is about %d tokens (warning threshold %d). Consider clearing the conversation.", total, warnAt))
	}
}

func (c *Coordinator) onFragment(s *streamSession, fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.stream.seq != s.seq || s.cancelled {
		return
	}
	s.text.WriteString(fragment)
	c.ui.StreamChunk(s.turnID, fragment)
}

// finish settles a turn. Callbacks of a turn that was cancelled or cleared
// find a different (or no) stream session and change nothing.
func (c *Coordinator) finish(s *streamSession, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil || c.stream.seq != s.seq || s.cancelled {
		log.Info("Turn %s ended after cancellation", s.turnID)
		return nil
	}
	c.stream = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Turn %s cancelled by caller", s.turnID)
			return nil
		}
		log.Error("Turn %s failed: %v", s.turnID, err)
		c.ui.StreamError(UserMessage(err))
		return err
	}

	text := s.text.String()
	if strings.TrimSpace(text) != "" {
		c.history = append(c.history, Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			Timestamp: c.now(),
		})
	}
	log.Info("Turn %s complete (%d chars)", s.turnID, len(text))
	c.ui.StreamComplete(s.turnID)
	return nil
}

// CancelTurn stops the turn in flight, if any. Nothing streamed so far is
// committed and the stream session is released at once.
func (c *Coordinator) CancelTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Coordinator) cancelLocked() {
	if p := c.pending; p != nil {
		log.Info("Cancelling turn while gathering context")
		p.stopped = true
		p.cancel()
		c.pending = nil
	}
	if c.stream == nil {
		return
	}
	log.Info("Cancelling turn %s", c.stream.turnID)
	c.stream.cancelled = true
	c.stream.cancel()
	c.stream = nil
}

// Clear cancels any turn and resets the history to the system instruction.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.history = []Message{c.system}
	c.ui.ConversationCleared()
}

// Snapshot returns the visible history and the reply in flight.
// It does not modify any state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{Messages: make([]SnapshotMessage, 0, len(c.history))}
	for i, m := range c.history {
		if m.Role == llm.RoleSystem {
			continue
		}
		snap.Messages = append(snap.Messages, SnapshotMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	if s := c.stream; s != nil && !s.cancelled && s.text.Len() > 0 {
		snap.Streaming = &StreamingMessage{
			ID:          s.turnID,
			Role:        llm.RoleAssistant,
			Content:     s.text.String(),
			IsStreaming: true,
		}
	}
	return snap
}

// UserMessage turns a completion error into text for the UI.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		return err.Error()
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Request timed out."
	default:
		return "API error: " + err.Error()
	}
}

// Context warnings.
const (
	warnNoOpenFile     = "Could not read the current file: open a file or select an editor tab first"
	warnFileFailed     = "Failed to read the current file, check file permissions"
	warnNoWorkspace    = "Could not read the workspace: open a project folder, or open a file and try again"
	warnWorkspaceError = "Failed to read the workspace, check file permissions"
)

// gatherContext collects the requested context concurrently. A source that
// fails produces a warning and is left out.
func (c *Coordinator) gatherContext(ctx context.Context, req SendMessage) (TurnContext, error) {
	var tc TurnContext
	var fileErr, wsErr error

	c.mu.Lock()
	scanner := c.scanner
	c.mu.Unlock()

	// Source failures become warnings; only cancellation fails the group.
	g, gctx := errgroup.WithContext(ctx)
	if req.IncludeCurrentFile {
		g.Go(func() error {
			tc.File, fileErr = workspace.FormatCurrentFile(req.CurrentFile)
			return gctx.Err()
		})
	}
	if req.IncludeWorkspace {
		g.Go(func() error {
			tc.Workspace, wsErr = scanner.Summarize(gctx, req.CurrentFile)
			if errors.Is(wsErr, context.Canceled) || errors.Is(wsErr, context.DeadlineExceeded) {
				return wsErr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TurnContext{}, err
	}
	if err := ctx.Err(); err != nil {
		return TurnContext{}, err
	}

	var warnings []string
	switch {
	case fileErr == nil:
	case errors.Is(fileErr, workspace.ErrNoOpenFile):
		warnings = append(warnings, warnNoOpenFile)
	default:
		log.Error("Reading current file: %v", fileErr)
		warnings = append(warnings, warnFileFailed)
	}
	switch {
	case wsErr == nil:
	case errors.Is(wsErr, workspace.ErrNoWorkspace), errors.Is(wsErr, workspace.ErrNoFiles):
		warnings = append(warnings, warnNoWorkspace)
	default:
		log.Error("Reading workspace: %v", wsErr)
		warnings = append(warnings, warnWorkspaceError)
	}

	if len(warnings) > 0 {
		c.mu.Lock()
		for _, w := range warnings {
			c.ui.ContextWarning(w)
		}
		c.mu.Unlock()
	}
	return tc, nil
}

// Ready sends a snapshot to a (re)connected view.
func (c *Coordinator) Ready() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ui.HistorySnapshot(c.snapshotLocked())
}

// SendMessage gathers the requested context and runs a turn. The turn slot
// is held from the start, so StopGeneration or Clear during gathering
// drops the turn.
func (c *Coordinator) SendMessage(ctx context.Context, req SendMessage) error {
	if strings.TrimSpace(req.Content) == "" {
		return nil
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingTurn{cancel: cancel}

	c.mu.Lock()
	if c.stream != nil || c.pending != nil {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	c.pending = p
	c.mu.Unlock()

	tc, err := c.gatherContext(gctx, req)
	if err != nil {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		stopped := p.stopped
		c.mu.Unlock()
		if stopped {
			log.Info("Send stopped while gathering context")
			return nil
		}
		return err
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	return c.startTurn(ctx, req.Content, turnID, tc, p)
}

// StopGeneration cancels the turn in flight.
func (c *Coordinator) StopGeneration() {
	c.CancelTurn()
}

// ClearConversation resets the conversation.
func (c *Coordinator) ClearConversation() {
	c.Clear()
}

var _ Commands = (*Coordinator)(nil)

type nopUI struct{}

func (nopUI) StreamChunk(string, string) {}
func (nopUI) StreamComplete(string)      {}
func (nopUI) StreamError(string)         {}
func (nopUI) ConversationCleared()       {}
func (nopUI) HistorySnapshot(Snapshot)   {}
func (nopUI) ContextWarning(string)      {}
func (nopUI) Notice(string, string)      {}
func (nopUI) EditsApplied(ApplyReport)   {}
