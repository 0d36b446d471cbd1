package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"portability/internal/config"
	"portability/internal/db"
	"portability/internal/engine"
	"portability/internal/export"
	"portability/internal/migrate"
	"portability/internal/repo"
	"portability/internal/storage"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, engine.Options{
		Store:      storage.New(filepath.Join(workspace, "artifacts")),
		ScratchDir: db.ScratchDir(workspace),
	})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

// ownerBearer is the token of a data subject; its email claim is the only
// source of the subject's attributes.
func ownerBearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	token, err := SignOwnerToken(testSecret, subject, nil, map[string]string{"email": subject + "@example.org"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func selfBody(id string) map[string]any {
	return map[string]any{"owner": map[string]any{"type": SubjectOwnerType, "id": id}}
}

func ownerBody(id string) map[string]any {
	return map[string]any{"owner": map[string]any{
		"type":       "user",
		"id":         id,
		"attributes": map[string]string{"email": id + "@example.org"},
	}}
}

func TestHealthAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, bearer(t, "u1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("jobs as owner: %d %s", res.StatusCode, string(body))
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := ownerBearer(t, "u1")
	admin := bearer(t, "ops", RoleAdmin)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", selfBody("u1"), owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.State != "waiting_for_approval" || created.RequestedBy != "" {
		t.Fatalf("unexpected request: %+v", created)
	}
	if created.Owner.Attributes["email"] != "u1@example.org" {
		t.Fatalf("owner attributes not taken from token: %+v", created.Owner)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", selfBody("u1"), owner)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate: %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "duplicate_active_request" || apiErr.Details["field"] != "requested_by" {
		t.Fatalf("duplicate error: %+v", apiErr)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID, nil, bearer(t, "u2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other owner should not see request, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", selfBody("u1"), ownerBearer(t, "u2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("creating for someone else: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/approve", nil, owner)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("owner approve: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/approve", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/approve", nil, admin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second approve: %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "invalid_transition" {
		t.Fatalf("second approve error: %+v", apiErr)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs?request_id="+created.ID, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jobs: %d %s", res.StatusCode, string(data))
	}
	var jobs jobList
	_ = json.Unmarshal(data, &jobs)
	if len(jobs.Items) != 1 || jobs.Items[0].Kind != "build_and_complete_export" {
		t.Fatalf("jobs: %+v", jobs.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID+"/attachment", nil, owner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("attachment before export: %d", res.StatusCode)
	}

	if _, err := srv.Engine.NewWorker().Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID, nil, owner)
	var fetched RequestResponse
	_ = json.Unmarshal(data, &fetched)
	if res.StatusCode != http.StatusOK || fetched.State != "done" || !fetched.HasAttachment || fetched.ExpireAt == nil {
		t.Fatalf("after export: %d %+v", res.StatusCode, fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID+"/attachment", nil, owner)
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("download: %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	entries, err := export.ReadEntries(data)
	if err != nil || len(entries) != 1 {
		t.Fatalf("archive entries: %v %d", err, len(entries))
	}
	if _, ok := entries[created.ID+".json"]; !ok {
		t.Fatalf("missing %s.json", created.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/cancel", nil, owner)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel after done: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+created.ID+"/events", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts eventList
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) == 0 || evts.Items[0].Type != "request.created" {
		t.Fatalf("events: %+v", evts.Items)
	}
}

func TestAdminCreatesOnBehalfAndLists(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := bearer(t, "ops", RoleAdmin)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", ownerBody("u1"), admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin create: %d %s", res.StatusCode, string(data))
	}
	var onBehalf RequestResponse
	_ = json.Unmarshal(data, &onBehalf)
	if onBehalf.RequestedBy != "ops" {
		t.Fatalf("requested_by = %q", onBehalf.RequestedBy)
	}
	// the owner's own request does not collide with the admin's
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", selfBody("u1"), ownerBearer(t, "u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("owner create: %d %s", res.StatusCode, string(data))
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", selfBody("u2"), ownerBearer(t, "u2"))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests?limit=2", nil, admin)
	var page paginatedRequests
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d %+v", res.StatusCode, page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, admin)
	var rest paginatedRequests
	_ = json.Unmarshal(data, &rest)
	if res.StatusCode != http.StatusOK || len(rest.Items) != 1 {
		t.Fatalf("second page: %d %+v", res.StatusCode, rest)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, bearer(t, "u2"))
	var mine paginatedRequests
	_ = json.Unmarshal(data, &mine)
	if res.StatusCode != http.StatusOK || len(mine.Items) != 1 || mine.Items[0].Owner.ID != "u2" {
		t.Fatalf("owner listing: %+v", mine)
	}
}

func TestOwnersCannotAssertAnotherIdentity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	u1 := ownerBearer(t, "u1")
	admin := bearer(t, "ops", RoleAdmin)

	orgBody := map[string]any{"owner": map[string]any{"type": "organization", "id": "u1"}}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", orgBody, u1)
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Details["field"] != "owner.type" {
		t.Fatalf("other owner type: %d %s", res.StatusCode, string(data))
	}
	spoofed := map[string]any{"owner": map[string]any{
		"type":       SubjectOwnerType,
		"id":         "u1",
		"attributes": map[string]string{"email": "victim@example.org"},
	}}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", spoofed, u1)
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Details["field"] != "owner.attributes" {
		t.Fatalf("caller-supplied attributes: %d %s", res.StatusCode, string(data))
	}
	all, _ := srv.Engine.ListRequests(context.Background(), repo.RequestFilters{})
	if len(all) != 0 {
		t.Fatalf("rejected creates stored %d requests", len(all))
	}

	// same id, different owner type: not u1's request
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", orgBody, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin create: %d %s", res.StatusCode, string(data))
	}
	var org RequestResponse
	_ = json.Unmarshal(data, &org)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+org.ID, nil, u1)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("read organization request as user: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+org.ID+"/cancel", nil, u1)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel organization request as user: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, u1)
	var mine paginatedRequests
	_ = json.Unmarshal(data, &mine)
	if res.StatusCode != http.StatusOK || len(mine.Items) != 0 {
		t.Fatalf("user listing shows organization request: %+v", mine)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const fetches = 8
	type result struct {
		status int
		size   int
		err    error
	}
	results := make(chan result, fetches)
	var wg sync.WaitGroup
	for i := 0; i < fetches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				results <- result{err: err}
				return
			}
			defer res.Body.Close()
			body, err := io.ReadAll(res.Body)
			results <- result{status: res.StatusCode, size: len(body), err: err}
		}()
	}
	wg.Wait()
	close(results)
	size := -1
	for r := range results {
		if r.err != nil || r.status != http.StatusOK || r.size == 0 {
			t.Fatalf("openapi fetch: %+v", r)
		}
		if size >= 0 && r.size != size {
			t.Fatalf("openapi documents differ: %d vs %d bytes", r.size, size)
		}
		size = r.size
	}
}
