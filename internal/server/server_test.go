package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"rollup/internal/config"
	"rollup/internal/db"
	"rollup/internal/domain"
	"rollup/internal/engine"
	"rollup/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, config.Default())
	e.Logger = logger
	handler, err := New(Config{Engine: e, BasePath: "/v0", Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func mustStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func createHierarchy(t *testing.T, srv *testServer) (domain.Customer, domain.Task) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/customers", map[string]any{"name": "Acme", "status": "active"}, nil)
	mustStatus(t, res, data, http.StatusCreated)
	customer := decode[domain.Customer](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/customers/"+customer.ID+"/tasks", map[string]any{
		"title":    "Onboarding",
		"due_date": "2024-03-01",
	}, nil)
	mustStatus(t, res, data, http.StatusCreated)
	created := decode[TaskWriteResponse](t, data)
	return customer, created.Task
}

func TestSubtaskCompletionCascades(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	customer, task := createHierarchy(t, srv)

	var ids []string
	for _, title := range []string{"Kickoff", "Contract"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", map[string]any{
			"title":    title,
			"due_date": "2024-02-15",
		}, nil)
		mustStatus(t, res, data, http.StatusCreated)
		ids = append(ids, decode[SubtaskWriteResponse](t, data).Subtask.ID)
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/subtasks/"+ids[0]+"/status", map[string]any{"status": "completed"},
		map[string]string{ActorHeader: "alice"})
	mustStatus(t, res, data, http.StatusOK)
	written := decode[SubtaskWriteResponse](t, data)
	if written.Subtask.CompletedAt == nil || written.Subtask.CompletedBy == nil || *written.Subtask.CompletedBy != "alice" {
		t.Fatalf("completion fields not set: %+v", written.Subtask)
	}
	if written.Propagation.Failure != nil {
		t.Fatalf("unexpected cascade failure: %+v", written.Propagation.Failure)
	}
	if len(written.Propagation.Steps) != 2 || written.Propagation.Steps[0].Progress != 50 {
		t.Fatalf("propagation = %+v", written.Propagation.Steps)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID, nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Task](t, data).Progress; got != 50 {
		t.Fatalf("task progress = %d, want 50", got)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/customers/"+customer.ID, nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Customer](t, data).Progress; got != 0 {
		t.Fatalf("customer progress = %d, want 0", got)
	}
}

func TestSequenceConflictReturns409(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, task := createHierarchy(t, srv)

	body := map[string]any{"title": "First", "due_date": "2024-02-15", "sequence": 1}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", body, nil)
	mustStatus(t, res, data, http.StatusCreated)

	body["title"] = "Second"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", body, nil)
	mustStatus(t, res, data, http.StatusConflict)
	envelope := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	if envelope.Error.Code != "sequence_conflict" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	list := decode[struct {
		Items []domain.Subtask `json:"items"`
	}](t, data)
	if len(list.Items) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(list.Items))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	customer, task := createHierarchy(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, nil)
	mustStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/customers/"+customer.ID+"/tasks", map[string]any{
		"title":    "Bad date",
		"due_date": "next tuesday",
	}, nil)
	mustStatus(t, res, data, http.StatusBadRequest)
	if !strings.Contains(string(data), "due_date") {
		t.Fatalf("expected due_date in error: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/subtasks/missing/status", map[string]any{"status": "done"}, nil)
	mustStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks?customer_id=someone-else", map[string]any{
		"title":    "Foreign",
		"due_date": "2024-03-01",
	}, nil)
	mustStatus(t, res, data, http.StatusNotFound)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if listed := decode[struct {
		Items []domain.Subtask `json:"items"`
	}](t, data); len(listed.Items) != 0 {
		t.Fatalf("rejected subtask was written: %+v", listed.Items)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks?customer_id="+customer.ID, map[string]any{
		"title":    "Owned",
		"due_date": "2024-03-01",
	}, nil)
	mustStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{
		"title":            "Renamed",
		"expected_version": task.Version + 5,
	}, nil)
	mustStatus(t, res, data, http.StatusConflict)
	if !strings.Contains(string(data), "version_conflict") {
		t.Fatalf("expected version_conflict: %s", string(data))
	}
}

func TestDeleteSubtaskRecomputes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, task := createHierarchy(t, srv)

	var ids []string
	for i, status := range []string{"completed", "completed", "pending", "pending"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/subtasks", map[string]any{
			"title":    "Step " + string(rune('A'+i)),
			"status":   status,
			"due_date": "2024-02-15",
		}, nil)
		mustStatus(t, res, data, http.StatusCreated)
		ids = append(ids, decode[SubtaskWriteResponse](t, data).Subtask.ID)
	}
	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/subtasks/"+ids[0], nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	deleted := decode[SubtaskWriteResponse](t, data)
	if deleted.Subtask.ID != ids[0] {
		t.Fatalf("deleted %q", deleted.Subtask.ID)
	}
	if len(deleted.Propagation.Steps) == 0 || deleted.Propagation.Steps[0].Progress != 33 {
		t.Fatalf("propagation = %+v", deleted.Propagation.Steps)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/subtasks/"+ids[0], nil, nil)
	mustStatus(t, res, data, http.StatusNotFound)
}

func TestRecalculateAndDrift(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	customer, task := createHierarchy(t, srv)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{"status": "completed"}, nil)
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/customers/"+customer.ID+"/drift", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if drift := decode[DriftResponse](t, data); len(drift.Items) != 0 {
		t.Fatalf("unexpected drift: %+v", drift.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/customers/"+customer.ID+"/recalculate", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	result := decode[engine.RecalcResult](t, data)
	if result.TotalRecalculated != 2 || result.Changed != 0 {
		t.Fatalf("recalc result = %+v", result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/missing/recalculate", nil, nil)
	mustStatus(t, res, data, http.StatusNotFound)
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	customer, _ := createHierarchy(t, srv)

	seen := map[int64]bool{}
	url := srv.URL + "/v0/events?limit=1&customer_id=" + customer.ID
	for page := 0; page < 10; page++ {
		res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
		mustStatus(t, res, data, http.StatusOK)
		p := decode[paginatedEvents](t, data)
		for _, evt := range p.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if p.NextCursor == "" {
			break
		}
		url = srv.URL + "/v0/events?limit=1&customer_id=" + customer.ID + "&cursor=" + p.NextCursor
	}
	// customer.created and task.created at minimum
	if len(seen) < 2 {
		t.Fatalf("events seen = %d", len(seen))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	mustStatus(t, res, data, http.StatusBadRequest)
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("openapi json: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	for _, p := range []string{"/v0/customers/{id}/drift", "/v0/subtasks/{id}/status", "/v0/events"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
	components, _ := oas["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	drift, _ := paths["/v0/customers/{id}/drift"].(map[string]any)
	get, _ := drift["get"].(map[string]any)
	responses, _ := get["responses"].(map[string]any)
	def, _ := responses["default"].(map[string]any)
	content, _ := def["content"].(map[string]any)
	media, _ := content["application/json"].(map[string]any)
	schema, _ := media["schema"].(map[string]any)
	ref, _ := schema["$ref"].(string)
	name := strings.TrimPrefix(ref, "#/components/schemas/")
	if ref == "" || name == ref {
		t.Fatalf("default error response has no schema ref: %v", def)
	}
	if _, ok := schemas[name]; !ok {
		t.Fatalf("error schema %s not in components: %v", name, schemas)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	const n = 8
	bodies := make(chan []byte, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			bodies <- data
		}()
	}
	wg.Wait()
	close(bodies)
	close(errs)
	for err := range errs {
		t.Fatalf("fetch openapi: %v", err)
	}
	var first []byte
	for data := range bodies {
		if first == nil {
			first = data
			continue
		}
		if !bytes.Equal(first, data) {
			t.Fatalf("concurrent requests served different documents")
		}
	}
	if len(first) == 0 {
		t.Fatalf("empty openapi document")
	}
}
