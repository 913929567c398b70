package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"conveyor/internal/casefile"
	"conveyor/internal/catalog"
	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
	"conveyor/internal/portalsync"
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
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("conveyor")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	m := casefile.New(conn, cfg)
	e.Milestones = m
	coord := portalsync.New(conn, cfg, portalsync.NewPortalClient("http://127.0.0.1:1", ""))
	handler, err := New(Config{
		Engine:   e,
		Catalog:  catalog.New(conn),
		Machine:  m,
		Sync:     coord,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
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

func publishPurchaseTemplate(t *testing.T, srv *testServer) domain.WorkflowTemplate {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/templates", map[string]any{
		"name":             "Standard Purchase",
		"transaction_type": "purchase",
		"tasks": []map[string]any{
			{"id": "offer", "name": "Offer accepted", "role": "agent", "duration_hours": 24},
			{"id": "searches", "name": "Order searches", "role": "solicitor", "duration_hours": 72, "depends_on": []string{"offer"}},
			{"id": "contract", "name": "Exchange contracts", "role": "solicitor", "duration_hours": 48, "depends_on": []string{"searches"}, "milestone": "contract-signing"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish template status %d: %s", res.StatusCode, string(data))
	}
	var tpl domain.WorkflowTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}
	return tpl
}

func orchestrate(t *testing.T, srv *testServer, templateID string) OrchestrateResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/orchestrate", map[string]any{
		"template_id": templateID,
		"buyer_id":    "buyer-1",
		"property_id": "prop-1",
		"type":        "purchase",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("orchestrate status %d: %s", res.StatusCode, string(data))
	}
	var out OrchestrateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal orchestrate: %v", err)
	}
	return out
}

func taskByName(t *testing.T, tasks []domain.TaskInstance, name string) domain.TaskInstance {
	t.Helper()
	for _, task := range tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %q not found", name)
	return domain.TaskInstance{}
}

func TestOrchestrateAndCompleteTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)
	if len(out.OrchestratedTasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(out.OrchestratedTasks))
	}
	offer := taskByName(t, out.OrchestratedTasks, "Offer accepted")
	if offer.Status != domain.TaskUnlocked {
		t.Fatalf("source task status %s", offer.Status)
	}

	for _, status := range []string{domain.TaskInProgress, domain.TaskCompleted} {
		res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+offer.ID+"/status", map[string]any{
			"status": status,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set %s status %d: %s", status, res.StatusCode, string(data))
		}
		if status == domain.TaskCompleted {
			var upd UpdateTaskStatusResponse
			if err := json.Unmarshal(data, &upd); err != nil {
				t.Fatalf("unmarshal update: %v", err)
			}
			if len(upd.TriggeredTasks) != 1 || upd.TriggeredTasks[0].Name != "Order searches" {
				t.Fatalf("expected searches triggered, got %+v", upd.TriggeredTasks)
			}
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+offer.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.TaskInstance
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if fetched.Status != domain.TaskCompleted || fetched.CompletedAt == nil {
		t.Fatalf("expected completed task, got %+v", fetched)
	}
}

func TestStartLockedTaskWarns(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)
	searches := taskByName(t, out.OrchestratedTasks, "Order searches")

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+searches.ID+"/status", map[string]any{
		"status": domain.TaskInProgress,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var upd UpdateTaskStatusResponse
	if err := json.Unmarshal(data, &upd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if upd.Success || len(upd.Warnings) == 0 {
		t.Fatalf("expected warning, got %+v", upd)
	}
	if upd.Task.Status != domain.TaskPending {
		t.Fatalf("task should stay pending, got %s", upd.Task.Status)
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"transaction_id": out.WorkflowInstanceID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case status %d: %s", res.StatusCode, string(data))
	}
	var c domain.CaseRecord
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if c.Status != domain.CaseNew {
		t.Fatalf("new case status %s", c.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/documents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list requirements status %d: %s", res.StatusCode, string(data))
	}
	var reqs []domain.DocumentRequirement
	if err := json.Unmarshal(data, &reqs); err != nil {
		t.Fatalf("unmarshal requirements: %v", err)
	}
	if len(reqs) != 4 {
		t.Fatalf("expected 4 default requirements, got %d", len(reqs))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/cases/"+c.ID+"/status", map[string]any{
		"status": domain.CaseDocumentsRequested,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("request documents status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/documents", map[string]any{
		"requirement_id": reqs[0].ID,
		"ref":            "s3://bucket/passport.pdf",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit document status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get case status %d: %s", res.StatusCode, string(data))
	}
	var after domain.CaseRecord
	_ = json.Unmarshal(data, &after)
	if after.Status != domain.CaseDocumentsPending {
		t.Fatalf("expected documents_pending after first upload, got %s", after.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/"+reqs[0].ID+"/review", map[string]any{
		"verified": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	var reviewed domain.DocumentRequirement
	_ = json.Unmarshal(data, &reviewed)
	if reviewed.Status != "verified" {
		t.Fatalf("expected verified, got %s", reviewed.Status)
	}
}

func TestCaseGuardWarnsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"transaction_id": out.WorkflowInstanceID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case: %d %s", res.StatusCode, string(data))
	}
	var c domain.CaseRecord
	_ = json.Unmarshal(data, &c)

	for _, status := range []string{domain.CaseDocumentsRequested, domain.CaseDocumentsPending} {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/cases/"+c.ID+"/status", map[string]any{"status": status}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	// Mandatory documents are unverified, so the review guard holds.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/cases/"+c.ID+"/status", map[string]any{
		"status": domain.CaseReviewInProgress,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("guarded transition: %d %s", res.StatusCode, string(data))
	}
	var tr CaseTransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tr.Success || len(tr.Warnings) == 0 {
		t.Fatalf("expected guard warning, got %+v", tr)
	}
	if tr.Case.Status != domain.CaseDocumentsPending {
		t.Fatalf("case should not advance, got %s", tr.Case.Status)
	}
}

func TestSyncRecordEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"transaction_id": out.WorkflowInstanceID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case: %d %s", res.StatusCode, string(data))
	}
	var c domain.CaseRecord
	_ = json.Unmarshal(data, &c)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/sync", map[string]any{
		"direction": domain.SyncCaseToPortal,
		"kind":      "milestone_progress",
		"payload": map[string]any{
			"milestone_id": "ms-1",
			"name":         "contract-signing",
			"status":       "completed",
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue sync: %d %s", res.StatusCode, string(data))
	}
	var rec domain.SyncRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal sync record: %v", err)
	}
	if rec.Status != domain.SyncPending {
		t.Fatalf("expected pending record, got %s", rec.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/sync?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sync: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.SyncRecord
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 1 || listed[0].ID != rec.ID {
		t.Fatalf("expected one pending record, got %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sync/"+rec.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sync record: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/sync", map[string]any{
		"direction": "sideways",
		"kind":      "milestone_progress",
		"payload":   map[string]any{},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad direction, got %d %s", res.StatusCode, string(data))
	}
}

func TestTimelineEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	tpl := publishPurchaseTemplate(t, srv)
	out := orchestrate(t, srv, tpl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/transactions/"+out.WorkflowInstanceID+"/timeline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	var tl TimelineResponse
	if err := json.Unmarshal(data, &tl); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	if len(tl.Timeline.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tl.Timeline.Entries))
	}
	// Linear chain 24+72+48.
	if tl.Timeline.TotalHours != 144 {
		t.Fatalf("expected 144 total hours, got %v", tl.Timeline.TotalHours)
	}
	if len(tl.Timeline.CriticalPath) != 3 {
		t.Fatalf("expected full critical path, got %v", tl.Timeline.CriticalPath)
	}
}

func TestTemplateNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/templates/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/tasks", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer not-a-token")
	res2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res2.StatusCode)
	}

	healthRes, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d", healthRes.StatusCode)
	}
}
