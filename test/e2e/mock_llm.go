package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/graphsmith/graphsmith/pkg/llm"
)

// CallKind classifies a chat call by the stage that made it, derived from the
// system prompt.
type CallKind string

const (
	KindExtract   CallKind = "extract"
	KindResolve   CallKind = "resolve"
	KindSummarize CallKind = "summarize"
)

// failureScript makes calls of one kind fail: the first Remaining calls when
// Match is empty, or every call whose user prompt contains Match.
type failureScript struct {
	Remaining int
	Match     string
	Err       error
}

// ScriptedLLM implements llm.Client for pipeline tests. Calls are classified
// by system prompt and answered with deterministic JSON: three entities per
// file, a CALLS chain over the entity ids listed in the resolution prompt,
// and a fixed directory summary. Failures and blocking are armed per kind.
type ScriptedLLM struct {
	mu       sync.Mutex
	calls    map[CallKind]int
	failures map[CallKind][]*failureScript
	blocks   map[CallKind]chan struct{}
}

// NewScriptedLLM returns a scripted client answering every call successfully.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		calls:    make(map[CallKind]int),
		failures: make(map[CallKind][]*failureScript),
		blocks:   make(map[CallKind]chan struct{}),
	}
}

// FailFirst makes the next n calls of the given kind return err.
func (s *ScriptedLLM) FailFirst(kind CallKind, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = append(s.failures[kind], &failureScript{Remaining: n, Err: err})
}

// FailWhen makes every call of the given kind whose user prompt contains
// substr return err.
func (s *ScriptedLLM) FailWhen(kind CallKind, substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = append(s.failures[kind], &failureScript{Match: substr, Err: err})
}

// Block arms a one-shot block: the next call of the given kind closes the
// returned channel, then parks until its context is cancelled and returns the
// context's error.
func (s *ScriptedLLM) Block(kind CallKind) <-chan struct{} {
	started := make(chan struct{})
	s.mu.Lock()
	s.blocks[kind] = started
	s.mu.Unlock()
	return started
}

// Calls returns how many calls of one kind were made.
func (s *ScriptedLLM) Calls(kind CallKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// TotalCalls returns the number of chat calls across all kinds.
func (s *ScriptedLLM) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Chat implements llm.Client.
func (s *ScriptedLLM) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	system, user := splitMessages(messages)
	kind, err := classify(system)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.calls[kind]++
	var failErr error
	for _, f := range s.failures[kind] {
		switch {
		case f.Match != "" && strings.Contains(user, f.Match):
			failErr = f.Err
		case f.Match == "" && f.Remaining > 0:
			f.Remaining--
			failErr = f.Err
		}
		if failErr != nil {
			break
		}
	}
	block := s.blocks[kind]
	if block != nil {
		delete(s.blocks, kind)
	}
	s.mu.Unlock()

	if block != nil {
		close(block)
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failErr != nil {
		return "", failErr
	}

	switch kind {
	case KindExtract:
		return extractResponse(), nil
	case KindResolve:
		return resolveResponse(user)
	default:
		return `{"summary": "Holds the analyzed source files of one module."}`, nil
	}
}

func splitMessages(messages []llm.Message) (system, user string) {
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleUser:
			user = m.Content
		}
	}
	return system, user
}

func classify(system string) (CallKind, error) {
	switch {
	case strings.Contains(system, "Extract the entities"):
		return KindExtract, nil
	case strings.Contains(system, "Infer relationships"):
		return KindResolve, nil
	case strings.Contains(system, "Summarise what a source directory"):
		return KindSummarize, nil
	default:
		return "", fmt.Errorf("scripted llm: unrecognized system prompt %q", system)
	}
}

// extractResponse reports three entities per file. Ids are left empty so the
// analyzer derives its stable path#name form.
func extractResponse() string {
	return `{"pois": [
		{"type": "function", "name": "alpha", "start_line": 1, "end_line": 5},
		{"type": "class", "name": "beta", "start_line": 7, "end_line": 20},
		{"type": "import", "name": "gamma", "start_line": 22, "end_line": 22}
	]}`
}

// promptIDPattern captures the id out of the "- name (type, id X)" lines the
// resolution prompt lists entities with.
var promptIDPattern = regexp.MustCompile(`\(.*, id (.+)\)`)

// resolveResponse chains the listed entities with CALLS edges: n entities
// yield n-1 relationships.
func resolveResponse(user string) (string, error) {
	var ids []string
	for _, line := range strings.Split(user, "\n") {
		if m := promptIDPattern.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("scripted llm: resolution prompt lists no entities:\n%s", user)
	}

	type edge struct {
		From       string  `json:"from"`
		To         string  `json:"to"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	edges := make([]edge, 0, len(ids)-1)
	for i := 1; i < len(ids); i++ {
		edges = append(edges, edge{From: ids[i-1], To: ids[i], Type: "CALLS", Confidence: 0.9})
	}
	raw, err := json.Marshal(map[string]any{"relationships": edges})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
