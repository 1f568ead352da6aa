// Package macro records sequences of tool calls per session and replays
// them later. Macros persist as YAML files, one per macro, in the configured
// macros directory.
package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/browsergate/browsergate/internal/types"
)

// Step is one recorded tool call. Params holds the original JSON arguments;
// on replay the sessionId inside is rewritten to the target session.
type Step struct {
	Tool       string    `yaml:"tool" json:"tool"`
	Params     string    `yaml:"params" json:"params"`
	RecordedAt time.Time `yaml:"recordedAt" json:"recordedAt"`
}

// Macro is a named, replayable recording.
type Macro struct {
	Name      string    `yaml:"name" json:"name"`
	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`
	Steps     []Step    `yaml:"steps" json:"steps"`
}

var validMacroName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Store persists macros as YAML files.
type Store struct {
	dir string
}

// NewStore creates the macros directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create macros dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// Save writes the macro, replacing any previous version of the same name.
func (s *Store) Save(m *Macro) error {
	if !validMacroName.MatchString(m.Name) {
		return types.ProtocolError(types.CodeInvalidParams, "invalid macro name "+m.Name)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(m.Name), data, 0o644)
}

// Load reads one macro by name.
func (s *Store) Load(name string) (*Macro, error) {
	if !validMacroName.MatchString(name) {
		return nil, types.ProtocolError(types.CodeInvalidParams, "invalid macro name "+name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ProtocolError(types.CodeInvalidParams, "macro not found: "+name)
		}
		return nil, err
	}
	var m Macro
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse macro %s: %w", name, err)
	}
	return &m, nil
}

// List returns all stored macro names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a macro. Reports whether it existed.
func (s *Store) Delete(name string) (bool, error) {
	if !validMacroName.MatchString(name) {
		return false, types.ProtocolError(types.CodeInvalidParams, "invalid macro name "+name)
	}
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Executor replays one tool call. The dispatcher provides it after
// construction, breaking the dispatcher <-> macro cycle.
type Executor func(ctx context.Context, clientID, tool string, params json.RawMessage) *types.ToolResult

type recording struct {
	name    string
	started time.Time
	steps   []Step
}

// Service is the recorder and player. It implements the dispatcher's
// Recorder interface: successful recordable tool calls land here.
type Service struct {
	mu       sync.Mutex
	store    *Store
	active   map[string]*recording // keyed by session ID
	execute  Executor
	maxSteps int
}

// NewService builds the service over a store.
func NewService(store *Store) *Service {
	return &Service{
		store:    store,
		active:   make(map[string]*recording),
		maxSteps: 500,
	}
}

// SetExecutor injects the replay function. Must be called before Play.
func (s *Service) SetExecutor(exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execute = exec
}

// StartRecording begins a recording for the session. Fails when one is
// already active or the name is taken by an in-flight recording.
func (s *Service) StartRecording(sessionID, name string) error {
	if !validMacroName.MatchString(name) {
		return types.ProtocolError(types.CodeInvalidParams, "invalid macro name "+name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[sessionID]; busy {
		return types.ProtocolError(types.CodeInvalidParams, "session is already recording")
	}
	s.active[sessionID] = &recording{name: name, started: time.Now()}
	log.Info().Str("session_id", sessionID).Str("macro", name).Msg("Macro recording started")
	return nil
}

// StopRecording finalizes and persists the session's recording.
func (s *Service) StopRecording(sessionID string) (*Macro, error) {
	s.mu.Lock()
	rec, ok := s.active[sessionID]
	delete(s.active, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil, types.ProtocolError(types.CodeInvalidParams, "session is not recording")
	}

	m := &Macro{Name: rec.name, CreatedAt: rec.started, Steps: rec.steps}
	if err := s.store.Save(m); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID).Str("macro", m.Name).Int("steps", len(m.Steps)).Msg("Macro saved")
	return m, nil
}

// Recording reports whether the session has an active recording.
func (s *Service) Recording(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// Observe appends a successful tool call to the session's recording, if
// any. Called by the dispatcher; cheap no-op otherwise.
func (s *Service) Observe(sessionID, tool string, params json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[sessionID]
	if !ok || len(rec.steps) >= s.maxSteps {
		return
	}
	rec.steps = append(rec.steps, Step{
		Tool:       tool,
		Params:     string(params),
		RecordedAt: time.Now(),
	})
}

// Abandon drops an in-flight recording without saving, e.g. when the
// session is destroyed mid-recording.
func (s *Service) Abandon(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// List returns stored macro names.
func (s *Service) List() ([]string, error) {
	return s.store.List()
}

// Delete removes a stored macro.
func (s *Service) Delete(name string) (bool, error) {
	return s.store.Delete(name)
}

// PlayResult summarizes a replay.
type PlayResult struct {
	Macro    string `json:"macro"`
	Steps    int    `json:"steps"`
	Executed int    `json:"executed"`
	FailedAt int    `json:"failedAt,omitempty"` // 1-based step index
}

// Play replays a macro against the target session, step by step. Replay
// stops at the first failing step.
func (s *Service) Play(ctx context.Context, clientID, sessionID, name string) (*PlayResult, error) {
	s.mu.Lock()
	exec := s.execute
	s.mu.Unlock()
	if exec == nil {
		return nil, types.ProtocolError(types.CodeInternalError, "macro executor not wired")
	}

	m, err := s.store.Load(name)
	if err != nil {
		return nil, err
	}

	result := &PlayResult{Macro: name, Steps: len(m.Steps)}
	for i, step := range m.Steps {
		if err := ctx.Err(); err != nil {
			result.FailedAt = i + 1
			return result, err
		}
		params, err := retarget(step.Params, sessionID)
		if err != nil {
			result.FailedAt = i + 1
			return result, types.ProtocolError(types.CodeInternalError,
				fmt.Sprintf("macro %s step %d has malformed params", name, i+1)).WithCause(err)
		}
		res := exec(ctx, clientID, step.Tool, params)
		if !res.Success {
			result.FailedAt = i + 1
			return result, types.BrowserError(types.CodeInteractionFailed,
				fmt.Sprintf("macro %s failed at step %d (%s)", name, i+1, step.Tool)).
				WithContext("stepError", res.Error)
		}
		result.Executed++
	}

	log.Info().Str("macro", name).Str("session_id", sessionID).Int("steps", result.Executed).Msg("Macro replayed")
	return result, nil
}

// retarget rewrites the sessionId in recorded params to the replay target.
func retarget(rawParams, sessionID string) (json.RawMessage, error) {
	m := map[string]any{}
	if rawParams != "" {
		if err := json.Unmarshal([]byte(rawParams), &m); err != nil {
			return nil, err
		}
	}
	if _, has := m["sessionId"]; has {
		m["sessionId"] = sessionID
	}
	return json.Marshal(m)
}
