package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

// chatMessage is one entry of the shim request. Content arrives either as a
// plain string or as an array of typed parts; only text parts are kept.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chunk shapes follow the chat.completion wire format.
type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        *chunkDelta `json:"delta,omitempty"`
	Message      *chunkDelta `json:"message,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}

	// Split the transcript: system messages become the session context, the
	// last user message is the prompt, everything before it seeds history.
	var systems []string
	var prompt string
	promptIdx := -1
	for i, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.text()
			promptIdx = i
		}
	}
	if promptIdx < 0 || prompt == "" {
		writeError(w, http.StatusBadRequest, "at least one user message is required")
		return
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			systems = append(systems, m.text())
		}
	}

	providerCfg, err := s.resolveShimModel(req.Model)
	if err != nil {
		fail(w, err)
		return
	}

	// Ephemeral session, deleted however the request ends.
	session := "openai-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	defer func() {
		_, _ = s.deps.Store.Delete(session, "ephemeral")
	}()

	if err := s.deps.Store.SetContext(session, strings.Join(systems, "\n\n")); err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Store.SetProvider(session, *providerCfg); err != nil {
		fail(w, err)
		return
	}
	for i, m := range req.Messages {
		if i == promptIdx || m.Role == "system" {
			continue
		}
		_ = s.deps.Store.Log().LogMessage(session, m.text(), store.LogOptions{From: m.Role})
	}

	id := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	created := time.Now().Unix()
	model := req.Model
	if model == "" {
		model = providerCfg.Name
	}
	source := &types.InjectionSource{Type: types.SourceAPI, Origin: "openai-shim"}

	if req.Stream {
		s.streamCompletion(w, r, session, prompt, source, id, created, model)
		return
	}

	res, err := s.deps.Queue.Inject(r.Context(), session, prompt, types.InjectOptions{
		From:   "api",
		Source: source,
	})
	if err != nil {
		fail(w, err)
		return
	}
	stop := "stop"
	writeJSON(w, http.StatusOK, completionChunk{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{
			Message:      &chunkDelta{Role: "assistant", Content: res.Response},
			FinishReason: &stop,
		}},
		Usage: &usage{},
	})
}

// streamCompletion drives the SSE path. A client disconnect cancels the
// injection through the request context.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, session, prompt string, source *types.InjectionSource, id string, created int64, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(c completionChunk) {
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Opening role chunk.
	send(completionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Delta: &chunkDelta{Role: "assistant"}}},
	})

	_, err := s.deps.Queue.Inject(r.Context(), session, prompt, types.InjectOptions{
		From:   "api",
		Source: source,
		OnStream: func(ev types.StreamEvent) {
			if ev.Kind != types.StreamText || ev.Text == "" {
				return
			}
			send(completionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []chunkChoice{{Delta: &chunkDelta{Content: ev.Text}}},
			})
		},
	})
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\":{\"message\":%q}}\n\n", err.Error())
		flusher.Flush()
		return
	}

	stop := "stop"
	send(completionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []chunkChoice{{Delta: &chunkDelta{}, FinishReason: &stop}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// resolveShimModel maps the requested model onto a provider config: a direct
// provider-id match wins, otherwise the first available provider carries the
// model name through.
func (s *Server) resolveShimModel(model string) (*types.ProviderConfig, error) {
	if model != "" {
		if _, err := s.deps.Registry.Get(model); err == nil {
			return &types.ProviderConfig{Name: model}, nil
		}
		for _, d := range s.deps.Registry.List() {
			for _, m := range d.SupportedModels {
				if m == model {
					return &types.ProviderConfig{Name: d.ID, Model: model}, nil
				}
			}
		}
	}
	for _, d := range s.deps.Registry.List() {
		if d.Available {
			return &types.ProviderConfig{Name: d.ID, Model: model}, nil
		}
	}
	return nil, fmt.Errorf("server: map model %q: %w", model, registry.ErrNoProviderAvailable)
}

func (s *Server) handleModelList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.modelEntries(""),
	})
}

func (s *Server) handleModelShow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries := s.modelEntries(id)
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "unknown model "+id)
		return
	}
	writeJSON(w, http.StatusOK, entries[0])
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// modelEntries aggregates registry models. A non-empty filter returns only
// the matching model.
func (s *Server) modelEntries(filter string) []modelEntry {
	var out []modelEntry
	for _, d := range s.deps.Registry.List() {
		models := d.SupportedModels
		if len(models) == 0 && d.DefaultModel != "" {
			models = []string{d.DefaultModel}
		}
		for _, m := range models {
			if filter != "" && m != filter {
				continue
			}
			out = append(out, modelEntry{ID: m, Object: "model", OwnedBy: d.ID})
		}
	}
	return out
}
