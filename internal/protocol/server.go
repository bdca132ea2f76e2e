// Package protocol is the line-delimited JSON channel between an editor
// frontend and the session coordinator. Each line is one object with a
// "type" field.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/youruser/nexus/internal/config"
	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/logging"
	"github.com/youruser/nexus/internal/session"
)

var log = logging.Get()

const (
	maxLineSize      = 1024 * 1024
	snapshotDebounce = 150 * time.Millisecond
)

// Backend is what the server drives.
type Backend interface {
	session.Commands
	Refresh(cfg *config.Config)
	Config() *config.Config
}

// Server decodes inbound events into Backend calls and writes outbound
// events. It implements session.UI and session.Confirmer.
type Server struct {
	in  io.Reader
	out io.Writer

	outMu sync.Mutex

	backend Backend
	reload  func() (*config.Config, error)
	version string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan bool

	snapMu    sync.Mutex
	snapTimer *time.Timer
	debounce  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithReload sets how refreshConfig reloads the configuration.
func WithReload(fn func() (*config.Config, error)) Option {
	return func(s *Server) { s.reload = fn }
}

// WithVersion sets the string reported for version requests.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSnapshotDebounce overrides the delay between ready and the snapshot.
func WithSnapshotDebounce(d time.Duration) Option {
	return func(s *Server) { s.debounce = d }
}

// NewServer returns a server reading from in and writing to out.
func NewServer(in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		in:       in,
		out:      out,
		pending:  map[string]chan bool{},
		debounce: snapshotDebounce,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve handles requests until in is exhausted, a shutdown request
// arrives or ctx ends. Work still in flight is cancelled before it returns.
func (s *Server) Serve(ctx context.Context, backend Backend) error {
	s.backend = backend
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer func() {
		s.cancel()
		s.stopSnapshot()
		s.wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-scanErr
				if errors.Is(err, bufio.ErrTooLong) {
					s.send("", map[string]any{
						"type":    "error",
						"message": "Request too large (max 1MB). Reduce context size or split the request.",
					})
				}
				return err
			}
			if s.handle(line) {
				return nil
			}
		}
	}
}

type applyRequest struct {
	Content string `json:"content"`
}

type confirmRequest struct {
	ConfirmID string `json:"confirmId"`
	Accept    bool   `json:"accept"`
}

// handle processes one line. It reports whether the server should stop.
func (s *Server) handle(line string) bool {
	var req map[string]any
	if err := sonic.UnmarshalString(line, &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		s.send("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return false
	}

	kind, _ := req["type"].(string)
	log.Request(kind, line)
	reqID := requestID(req)

	switch kind {
	case "ping":
		s.send(reqID, map[string]any{"type": "ok"})

	case "version":
		s.send(reqID, map[string]any{"type": "version", "version": s.version})

	case "shutdown":
		s.send(reqID, map[string]any{"type": "ok"})
		return true

	case "ready":
		s.scheduleSnapshot()

	case "sendMessage":
		var msg session.SendMessage
		if err := sonic.UnmarshalString(line, &msg); err != nil {
			s.send(reqID, map[string]any{"type": "error", "message": "Invalid sendMessage payload"})
			return false
		}
		s.goSend(reqID, msg)

	case "stopGeneration":
		s.backend.StopGeneration()

	case "clearConversation":
		s.backend.ClearConversation()

	case "applyEditsFromMessage":
		var msg applyRequest
		if err := sonic.UnmarshalString(line, &msg); err != nil {
			s.send(reqID, map[string]any{"type": "error", "message": "Invalid applyEditsFromMessage payload"})
			return false
		}
		s.goApply(reqID, msg.Content)

	case "confirmEdits":
		var msg confirmRequest
		if err := sonic.UnmarshalString(line, &msg); err != nil || msg.ConfirmID == "" {
			s.send(reqID, map[string]any{"type": "error", "message": "Missing required field: confirmId"})
			return false
		}
		if !s.resolveConfirm(msg.ConfirmID, msg.Accept) {
			s.send(reqID, map[string]any{"type": "error", "message": "No pending confirmation: " + msg.ConfirmID})
		}

	case "refreshConfig":
		if s.reload == nil {
			s.send(reqID, map[string]any{"type": "error", "message": "Config reload is not available"})
			return false
		}
		cfg, err := s.reload()
		if err != nil {
			s.send(reqID, errorResponse(err))
			return false
		}
		s.backend.Refresh(cfg)
		s.send(reqID, map[string]any{"type": "ok"})

	case "estimateTokens":
		content, _ := req["content"].(string)
		tokens, err := llm.EstimateTokens(content)
		if err != nil {
			s.send(reqID, errorResponse(err))
			return false
		}
		s.send(reqID, map[string]any{"type": "tokenEstimate", "tokens": tokens})

	case "listModels":
		s.goListModels(reqID)

	case "validateApiKey":
		s.goValidate(reqID)

	default:
		s.send(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown request type: %q", kind)})
	}
	return false
}

func (s *Server) goSend(reqID string, msg session.SendMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.backend.SendMessage(s.ctx, msg)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, session.ErrTurnInProgress):
			s.send(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
		default:
			// Upstream failures already went out as streamError.
			log.Debug("sendMessage ended with: %v", err)
		}
	}()
}

func (s *Server) goApply(reqID, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.backend.ApplyEditsFromMessage(s.ctx, content)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, session.ErrNoWorkspace):
		default:
			s.send(reqID, errorResponse(err))
		}
	}()
}

func (s *Server) client() *llm.Client {
	return llm.NewClient(session.ClientSettings(s.backend.Config()))
}

func (s *Server) goListModels(reqID string) {
	client := s.client()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := client.GetModels(s.ctx)
		if err != nil {
			s.send(reqID, map[string]any{"type": "error", "message": session.UserMessage(err)})
			return
		}
		ids := make([]string, 0, len(resp.Data))
		for _, m := range resp.Data {
			ids = append(ids, m.ID)
		}
		s.send(reqID, map[string]any{"type": "models", "models": ids, "current": client.Model()})
	}()
}

func (s *Server) goValidate(reqID string) {
	client := s.client()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := client.Validate(s.ctx); err != nil {
			s.send(reqID, map[string]any{"type": "apiKeyStatus", "valid": false, "message": session.UserMessage(err)})
			return
		}
		s.send(reqID, map[string]any{"type": "apiKeyStatus", "valid": true})
	}()
}

// scheduleSnapshot sends one snapshot after a burst of ready events settles.
func (s *Server) scheduleSnapshot() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snapTimer != nil {
		s.snapTimer.Stop()
	}
	s.snapTimer = time.AfterFunc(s.debounce, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.backend.Ready()
	})
}

func (s *Server) stopSnapshot() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snapTimer != nil {
		s.snapTimer.Stop()
	}
}

func (s *Server) resolveConfirm(id string, accept bool) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- accept
	return true
}

// ConfirmEdits sends the preview and waits for the matching confirmEdits.
func (s *Server) ConfirmEdits(ctx context.Context, p session.Preview) (bool, error) {
	id := uuid.NewString()
	ch := make(chan bool, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	s.send("", map[string]any{"type": "editPreview", "confirmId": id, "edits": p.Edits})

	select {
	case accept := <-ch:
		return accept, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// session.UI

func (s *Server) StreamChunk(turnID, content string) {
	s.send("", map[string]any{"type": "streamChunk", "content": content, "turnId": turnID})
}

func (s *Server) StreamComplete(turnID string) {
	s.send("", map[string]any{"type": "streamComplete", "turnId": turnID})
}

func (s *Server) StreamError(message string) {
	s.send("", map[string]any{"type": "streamError", "message": message})
}

func (s *Server) ConversationCleared() {
	s.send("", map[string]any{"type": "conversationCleared"})
}

func (s *Server) HistorySnapshot(snap session.Snapshot) {
	s.send("", map[string]any{"type": "historySnapshot", "messages": snap.Messages, "streaming": snap.Streaming})
}

func (s *Server) ContextWarning(message string) {
	s.send("", map[string]any{"type": "contextWarning", "message": message})
}

func (s *Server) Notice(level, message string) {
	s.send("", map[string]any{"type": "notice", "level": level, "message": message})
}

func (s *Server) EditsApplied(r session.ApplyReport) {
	s.send("", map[string]any{
		"type":     "editsApplied",
		"applied":  r.Applied,
		"failed":   r.Failed,
		"rejected": r.Rejected,
		"declined": r.Declined,
	})
}

var (
	_ session.UI        = (*Server)(nil)
	_ session.Confirmer = (*Server)(nil)
)

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoConfig):
		msg = "Config file not found: ~/.config/nexus/config.json"
	case errors.Is(err, config.ErrInvalidJSON):
		msg = "Config file is not valid JSON: ~/.config/nexus/config.json"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func (s *Server) send(reqID string, data map[string]any) {
	if reqID != "" {
		data["request_id"] = reqID
	}
	out, err := sonic.Marshal(data)
	if err != nil {
		log.Error("Encoding %v: %v", data["type"], err)
		return
	}
	msgType, _ := data["type"].(string)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	log.Response(msgType, string(out))
	out = append(out, '\n')
	if _, err := s.out.Write(out); err != nil {
		log.Error("Writing response: %v", err)
	}
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
