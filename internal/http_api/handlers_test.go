package http_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/depotlabs/buildboard/internal/buildlogs"
	"github.com/depotlabs/buildboard/internal/locks"
	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/internal/permissions"
	"github.com/depotlabs/buildboard/internal/push"
	"github.com/depotlabs/buildboard/internal/repository"
	"github.com/depotlabs/buildboard/pkg/logger"
)

const testPermissions = `{
  "regions": {"cbg": {"depot_id": 1}, "dub": {"depot_id": 2}},
  "permissions": {
    "admins": ["admin@example.com"],
    "builders": {"cbg": ["alice@example.com", "bob@example.com"]}
  }
}`

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*HTTPServer, models.Repository, *locks.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := repository.New(db, logger.NewNop())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	perms, err := permissions.Parse([]byte(testPermissions))
	if err != nil {
		t.Fatalf("parse permissions: %v", err)
	}
	lockService := locks.NewService(repo, logger.NewNop(), locks.DefaultLockTimeout)
	server := NewHTTPServer(repo, lockService, perms, push.NewRecorder(logger.NewNop()), nil, 0, logger.NewNop())
	return server, repo, lockService
}

func doRequest(s *HTTPServer, method, path, email string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if email != "" {
		req.Header.Set("X-Auth-Email", email)
		req.Header.Set("X-Auth-Name", "Test User")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/v1/preconfig/locks", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestUnknownIdentityForbidden(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/v1/preconfig/locks", "stranger@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestPushInvalidRegion(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/nyc/push", "alice@example.com", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}
}

func TestPushRegionPermissionDenied(t *testing.T) {
	server, _, _ := newTestServer(t)

	// alice is a cbg builder only; dub is a valid region she cannot push to.
	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/dub/push", "alice@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", w.Code, w.Body.String())
	}
}

func TestPushConflictSurfacesHolder(t *testing.T) {
	server, _, lockService := newTestServer(t)
	ctx := context.Background()

	granted, _, err := lockService.Acquire(ctx, "cbg", models.Identity{Email: "bob@example.com", Name: "Bob"}, 0)
	if err != nil || !granted {
		t.Fatalf("pre-acquire: granted=%v err=%v", granted, err)
	}

	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/cbg/push", "alice@example.com", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}
	var detail models.LockConflictDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if detail.Error != "region_locked" || detail.LockInfo.LockedByEmail != "bob@example.com" {
		t.Fatalf("unexpected conflict detail: %+v", detail)
	}
}

func TestPushSucceedsAndReleasesLock(t *testing.T) {
	server, repo, lockService := newTestServer(t)
	ctx := context.Background()

	if err := repo.UpsertPreconfig(ctx, &models.Preconfig{
		DBID:   "dbid-001-001",
		Depot:  1,
		Config: map[string]interface{}{"os": "Ubuntu 22.04 LTS"},
	}); err != nil {
		t.Fatalf("seed preconfig: %v", err)
	}

	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/cbg/push", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("push: %d %s", w.Code, w.Body.String())
	}
	var resp PushPreconfigResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if resp.Status != "success" || len(resp.PushedPreconfigs) != 1 {
		t.Fatalf("unexpected push response: %+v", resp)
	}

	// Lock released after the push completed.
	status, err := lockService.Status(ctx, "cbg")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsLocked {
		t.Fatalf("lock still held after push: %+v", status)
	}

	// Push timestamp recorded.
	preconfigs, err := repo.GetPreconfigsByDepot(ctx, 1)
	if err != nil || len(preconfigs) != 1 {
		t.Fatalf("get preconfigs: n=%d err=%v", len(preconfigs), err)
	}
	if preconfigs[0].PushedAt == nil {
		t.Fatal("pushed_at not set")
	}
}

func TestLockStatusEndpoints(t *testing.T) {
	server, _, lockService := newTestServer(t)
	ctx := context.Background()

	if granted, _, err := lockService.Acquire(ctx, "cbg", models.Identity{Email: "alice@example.com", Name: "Alice"}, 0); err != nil || !granted {
		t.Fatalf("acquire: granted=%v err=%v", granted, err)
	}

	w := doRequest(server, http.MethodGet, "/api/v1/preconfig/cbg/lock", "bob@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lock status: %d %s", w.Code, w.Body.String())
	}
	var info models.RegionLockInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if !info.IsLocked || info.LockedByEmail != "alice@example.com" {
		t.Fatalf("unexpected lock info: %+v", info)
	}

	w = doRequest(server, http.MethodGet, "/api/v1/preconfig/locks", "bob@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("all locks: %d %s", w.Code, w.Body.String())
	}
	var all models.RegionLockResponse
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode all locks: %v", err)
	}
	if len(all.Locks) != 1 || all.Locks["cbg"].LockedByEmail != "alice@example.com" {
		t.Fatalf("unexpected lock map: %+v", all.Locks)
	}
}

func TestReleaseEndpointHolderOnly(t *testing.T) {
	server, _, lockService := newTestServer(t)
	ctx := context.Background()

	if granted, _, err := lockService.Acquire(ctx, "cbg", models.Identity{Email: "alice@example.com", Name: "Alice"}, 0); err != nil || !granted {
		t.Fatalf("acquire: granted=%v err=%v", granted, err)
	}

	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/cbg/lock/release", "bob@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("non-holder release: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["released"] {
		t.Fatal("non-holder release reported success")
	}

	w = doRequest(server, http.MethodPost, "/api/v1/preconfig/cbg/lock/release", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("holder release: %d %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp["released"] {
		t.Fatal("holder release refused")
	}
}

func TestBuildHistoryEndpoints(t *testing.T) {
	server, _, _ := newTestServer(t)

	body, _ := json.Marshal(CreateBuildRequest{
		Hostname:     "sv-cbg-0001",
		RackID:       "r12",
		DBID:         "dbid-001-001",
		SerialNumber: "SN-0001",
		BuildServer:  "cbg-build-01",
	})
	w := doRequest(server, http.MethodPost, "/api/v1/build/history", "admin@example.com", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create build: %d %s", w.Code, w.Body.String())
	}
	var created models.BuildHistory
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.UUID == "" || created.BuildStatus != models.BuildStatusInstalling {
		t.Fatalf("unexpected created record: %+v", created)
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/history/"+created.UUID, "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get build: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodPost, "/api/v1/build/assign/"+created.UUID, "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("assign build: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/history?build_server=cbg-build-01", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list builds: %d %s", w.Code, w.Body.String())
	}
	var list []models.BuildHistory
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].AssignedStatus != models.AssignedStatusAssigned {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/history/no-such-uuid", "alice@example.com", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing build: %d %s", w.Code, w.Body.String())
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id on the response")
	}

	// A caller-supplied id is kept so upstream logs correlate with ours.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-12345" {
		t.Fatalf("caller request id not echoed: %q", got)
	}
}

func TestBuildLogEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	root := t.TempDir()
	logDir := filepath.Join(root, "cbg-build-01", "sv-cbg-0001")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(logDir, "sv-cbg-0001-Installer.log"), []byte("install complete\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	server.buildLogs = buildlogs.NewDirStore(root, logger.NewNop())

	w := doRequest(server, http.MethodGet, "/api/v1/build/logs/sv-cbg-0001", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get log: %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Build-Server"); got != "cbg-build-01" {
		t.Fatalf("wrong X-Build-Server header: %q", got)
	}
	if w.Body.String() != "install complete\n" {
		t.Fatalf("wrong log body: %q", w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/logs/sv-cbg-9999", "alice@example.com", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing log: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/logs/bad;hostname", "alice@example.com", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid hostname: %d %s", w.Code, w.Body.String())
	}
}

func TestBuildLogUnconfigured(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/api/v1/build/logs/sv-cbg-0001", "alice@example.com", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without a log directory, got %d %s", w.Code, w.Body.String())
	}
}

func TestBuildStatusAndTodayViews(t *testing.T) {
	server, repo, _ := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []*models.BuildHistory{
		{Hostname: "sv-cbg-0001", RackID: "r1", DBID: "d1", SerialNumber: "SN-1",
			BuildServer: "cbg-build-01", BuildStatus: models.BuildStatusInstalling, BuildStart: now.Add(-time.Hour)},
		{Hostname: "sv-cbg-0002", RackID: "r2", DBID: "d2", SerialNumber: "SN-2",
			BuildServer: "cbg-build-01", BuildStatus: models.BuildStatusComplete, BuildStart: now.Add(-2 * time.Hour)},
		{Hostname: "sv-cbg-0003", RackID: "r3", DBID: "d3", SerialNumber: "SN-3",
			BuildServer: "cbg-build-01", BuildStatus: models.BuildStatusFailed, BuildStart: now.Add(-48 * time.Hour)},
	}
	for _, b := range seed {
		b.AssignedStatus = models.AssignedStatusNotAssigned
		if err := repo.CreateBuildHistory(ctx, b); err != nil {
			t.Fatalf("seed %s: %v", b.Hostname, err)
		}
	}

	w := doRequest(server, http.MethodGet, "/api/v1/build/status", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("build status: %d %s", w.Code, w.Body.String())
	}
	var active []models.BuildHistory
	if err := json.Unmarshal(w.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if len(active) != 1 || active[0].Hostname != "sv-cbg-0001" {
		t.Fatalf("expected only the installing build, got %+v", active)
	}

	w = doRequest(server, http.MethodGet, "/api/v1/build/history/today", "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("today: %d %s", w.Code, w.Body.String())
	}
	var today []models.BuildHistory
	if err := json.Unmarshal(w.Body.Bytes(), &today); err != nil {
		t.Fatalf("decode today: %v", err)
	}
	for _, b := range today {
		if b.Hostname == "sv-cbg-0003" {
			t.Fatalf("two-day-old build in today's view: %+v", today)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(server, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("buildboard_region_lock_grants_total")) {
		t.Fatal("expected lock grant counter in metrics output")
	}
}

// Ensure release after push happens even when the pusher fails.
type failingPusher struct{}

func (failingPusher) Push(context.Context, string, []models.Preconfig) ([]push.Result, error) {
	return nil, context.DeadlineExceeded
}

func TestPushFailureStillReleasesLock(t *testing.T) {
	server, _, lockService := newTestServer(t)
	server.pusher = failingPusher{}

	w := doRequest(server, http.MethodPost, "/api/v1/preconfig/cbg/push", "alice@example.com", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from failing pusher, got %d %s", w.Code, w.Body.String())
	}

	status, err := lockService.Status(context.Background(), "cbg")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.IsLocked {
		t.Fatalf("lock leaked after failed push: %+v", status)
	}
}
