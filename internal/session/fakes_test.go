package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/youruser/nexus/internal/config"
	"github.com/youruser/nexus/internal/llm"
	"github.com/youruser/nexus/internal/workspace"
)

type completerFunc func(ctx context.Context, messages []llm.Message, cb llm.StreamCallback) error

func (f completerFunc) ChatStream(ctx context.Context, messages []llm.Message, cb llm.StreamCallback) error {
	return f(ctx, messages, cb)
}

func factoryFor(f completerFunc) CompleterFactory {
	return func(*config.Config) Completer { return f }
}

// streamOf replies with the given fragments and completes.
func streamOf(fragments ...string) completerFunc {
	return func(ctx context.Context, _ []llm.Message, cb llm.StreamCallback) error {
		for _, f := range fragments {
			cb(llm.StreamEvent{Type: "content", Content: f})
		}
		cb(llm.StreamEvent{Type: "done"})
		return nil
	}
}

func testConfig() *config.Config {
	return &config.Config{Provider: config.ProviderSiliconFlow, Model: "test-model"}
}

type recordingUI struct {
	mu     sync.Mutex
	events []string
	snaps  []Snapshot
	report *ApplyReport
}

func (u *recordingUI) add(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, fmt.Sprintf(format, args...))
}

func (u *recordingUI) StreamChunk(turnID, content string) { u.add("chunk %s %s", turnID, content) }
func (u *recordingUI) StreamComplete(turnID string)       { u.add("complete %s", turnID) }
func (u *recordingUI) StreamError(message string)         { u.add("error %s", message) }
func (u *recordingUI) ConversationCleared()               { u.add("cleared") }
func (u *recordingUI) ContextWarning(message string)      { u.add("warning %s", message) }
func (u *recordingUI) Notice(level, message string)       { u.add("notice %s %s", level, message) }

func (u *recordingUI) HistorySnapshot(s Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snaps = append(u.snaps, s)
	u.events = append(u.events, "snapshot")
}

func (u *recordingUI) EditsApplied(r ApplyReport) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.report = &r
	u.events = append(u.events, "applied")
}

func (u *recordingUI) all() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.events))
	copy(out, u.events)
	return out
}

func (u *recordingUI) count(prefix string) int {
	n := 0
	for _, e := range u.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

var errDiskFull = errors.New("disk full")

type memStore struct {
	mu        sync.Mutex
	files     map[string]string
	dirs      map[string]bool
	failWrite map[string]bool
	writes    []string
}

func newMemStore() *memStore {
	return &memStore{
		files:     map[string]string{},
		dirs:      map[string]bool{},
		failWrite: map[string]bool{},
	}
}

func (m *memStore) Read(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return nil, workspace.ErrNotFound
	}
	return []byte(content), nil
}

func (m *memStore) Write(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite[path] {
		return errDiskFull
	}
	m.files[path] = string(data)
	m.writes = append(m.writes, path)
	return nil
}

func (m *memStore) Stat(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *memStore) CreateDirectory(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = true
	return nil
}

func (m *memStore) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type fixedConfirmer struct {
	accept bool
	seen   []Preview
}

func (f *fixedConfirmer) ConfirmEdits(_ context.Context, p Preview) (bool, error) {
	f.seen = append(f.seen, p)
	return f.accept, nil
}

// blockingSource holds Summarize until released or cancelled.
type blockingSource struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSource) Summarize(ctx context.Context, _ *workspace.OpenFile) (string, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.release:
		return "Workspace context", nil
	}
}
