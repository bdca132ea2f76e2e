package session

import (
	"context"
	"time"

	"github.com/youruser/nexus/internal/config"
	"github.com/youruser/nexus/internal/edits"
	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/workspace"
)

// Message is one entry of the conversation history.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// TurnContext is reference text prepended to the user's message.
type TurnContext struct {
	File      string
	Workspace string
}

// SnapshotMessage is a visible history entry.
type SnapshotMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamingMessage is the reply of the turn in flight.
type StreamingMessage struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	IsStreaming bool   `json:"isStreaming"`
}

// Snapshot is a read-only view of the conversation used to rehydrate a UI.
type Snapshot struct {
	Messages  []SnapshotMessage `json:"messages"`
	Streaming *StreamingMessage `json:"streaming,omitempty"`
}

// PreviewEdit is one file change shown at the confirmation gate.
type PreviewEdit struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Original string `json:"original"`
	Proposed string `json:"proposed"`
	Diff     string `json:"diff"`
	IsNew    bool   `json:"isNew"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
}

// Preview lists the changes awaiting confirmation.
type Preview struct {
	Edits []PreviewEdit `json:"edits"`
}

// WriteFailure is a file that could not be written.
type WriteFailure struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ApplyReport is the outcome of applying the FILE blocks of one message.
type ApplyReport struct {
	Applied  []string          `json:"applied"`
	Failed   []WriteFailure    `json:"failed"`
	Rejected []edits.Rejection `json:"rejected"`
	Declined bool              `json:"declined,omitempty"`
}

// SendMessage is a user turn as requested by the UI.
type SendMessage struct {
	Content            string              `json:"content"`
	TurnID             string              `json:"turnId"`
	IncludeCurrentFile bool                `json:"includeCurrentFile"`
	IncludeWorkspace   bool                `json:"includeWorkspace"`
	CurrentFile        *workspace.OpenFile `json:"currentFile,omitempty"`
}

// Completer streams a reply for an ordered message list until done,
// failure, or ctx cancellation.
type Completer interface {
	ChatStream(ctx context.Context, messages []llm.Message, callback llm.StreamCallback) error
}

// CompleterFactory builds the Completer for a configuration.
type CompleterFactory func(cfg *config.Config) Completer

// ClientFactory builds an llm.Client from the configuration.
func ClientFactory(cfg *config.Config) Completer {
	return llm.NewClient(ClientSettings(cfg))
}

// ClientSettings maps the configuration onto llm client settings.
func ClientSettings(cfg *config.Config) llm.Settings {
	s := llm.Settings{
		Provider:  cfg.Provider,
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.ResolvedAPIKey(),
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}
	if cfg.Temperature != nil {
		s.Temperature = *cfg.Temperature
	}
	return s
}

// FileStore is file access relative to the workspace root.
// Read returns workspace.ErrNotFound for a missing file.
type FileStore interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Stat(path string) (bool, error)
	CreateDirectory(path string) error
}

// ContextSource summarizes the workspace for a turn.
type ContextSource interface {
	Summarize(ctx context.Context, hint *workspace.OpenFile) (string, error)
}

// Notice levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// UI receives outbound events. The coordinator calls it while holding its
// lock, so implementations must not call back into the coordinator.
type UI interface {
	StreamChunk(turnID, content string)
	StreamComplete(turnID string)
	StreamError(message string)
	ConversationCleared()
	HistorySnapshot(s Snapshot)
	ContextWarning(message string)
	Notice(level, message string)
	EditsApplied(r ApplyReport)
}

// Confirmer is the gate in front of any write.
type Confirmer interface {
	ConfirmEdits(ctx context.Context, p Preview) (bool, error)
}

// Commands has one method per inbound UI event.
type Commands interface {
	Ready()
	SendMessage(ctx context.Context, req SendMessage) error
	StopGeneration()
	ClearConversation()
	ApplyEditsFromMessage(ctx context.Context, content string) (ApplyReport, error)
}
