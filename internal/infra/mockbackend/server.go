package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"crm-enrichment/internal/config"
)

// Scenario names accepted in the "scenario" field of a submit body.
const (
	ScenarioFound    = "found"
	ScenarioNotFound = "not_found"
	ScenarioFailed   = "failed"
	ScenarioStuck    = "stuck"
	ScenarioFlaky    = "flaky"
	ScenarioUnknown  = "unknown"
	ScenarioReject   = "reject"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// step is one scripted answer of the status endpoint. code 0 means 200.
type step struct {
	code int
	body string
}

type job struct {
	workflow string
	script   []step
	polls    int
}

// Server is an in-memory enrichment backend: submit creates a job with a
// scripted lifecycle and each status poll advances it by one step.
type Server struct {
	workflows map[string]config.WorkflowConfig

	mu                    sync.Mutex
	calls                 []Call
	jobs                  map[string]*job
	expectedAuthorization string
}

func New(workflows map[string]config.WorkflowConfig) *Server {
	return &Server{workflows: workflows, jobs: make(map[string]*job)}
}

// RequireBearerToken enforces that requests include a matching Authorization
// header. An empty token disables the check.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// Handler serves every configured workflow's submit and status endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wf := s.workflows[name]
		mux.HandleFunc("POST "+wf.SubmitPath, s.handleSubmit(name))
		mux.HandleFunc("GET "+wf.StatusPath, s.handleStatus(name))
	}
	return mux
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Polls returns how many status requests a job has received.
func (s *Server) Polls(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.polls
	}
	return 0
}

func (s *Server) handleSubmit(workflow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.recordCall(r)
		if !s.authorize(w, r) {
			return
		}
		var req struct {
			Scenario string `json:"scenario"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		scenario := req.Scenario
		if scenario == "" {
			scenario = ScenarioFound
		}
		if scenario == ScenarioReject {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "request rejected by scenario"})
			return
		}
		script, ok := scriptFor(workflow, scenario)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown scenario %q", scenario)})
			return
		}

		id := uuid.NewString()
		s.mu.Lock()
		s.jobs[id] = &job{workflow: workflow, script: script}
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": "pending"})
	}
}

func (s *Server) handleStatus(workflow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.recordCall(r)
		if !s.authorize(w, r) {
			return
		}
		id := r.PathValue("job_id")

		s.mu.Lock()
		j, ok := s.jobs[id]
		if !ok || j.workflow != workflow {
			s.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		idx := j.polls
		if idx >= len(j.script) {
			idx = len(j.script) - 1
		}
		j.polls++
		st := j.script[idx]
		s.mu.Unlock()

		code := st.code
		if code == 0 {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(st.body))
	}
}

func scriptFor(workflow, scenario string) ([]step, bool) {
	found := `{"status":"completed","found":true,"company":{"name":"Acme Corp","domain":"acme.example","employees":120}}`
	notFound := `{"status":"completed","found":false}`
	if workflow == config.WorkflowContactExtraction {
		found = `{"status":"completed","contacts":[{"name":"Ada Lovelace","email":"ada@acme.example"}]}`
		notFound = `{"status":"completed","contacts":[]}`
	}
	pending := step{body: `{"status":"pending"}`}
	processing := step{body: `{"status":"processing"}`}

	switch scenario {
	case ScenarioFound:
		return []step{pending, processing, processing, {body: found}}, true
	case ScenarioNotFound:
		return []step{processing, {body: notFound}}, true
	case ScenarioFailed:
		return []step{processing, {body: `{"status":"failed","error":"upstream provider unavailable"}`}}, true
	case ScenarioStuck:
		return []step{pending}, true
	case ScenarioFlaky:
		return []step{{code: http.StatusServiceUnavailable, body: `{"error":"try again"}`}, processing, {body: found}}, true
	case ScenarioUnknown:
		return []step{{body: `{"status":"archived"}`}}, true
	}
	return nil, false
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" || r.Header.Get("Authorization") == expected {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
