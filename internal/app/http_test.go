package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"secondbrain/api/internal/auth"
	"secondbrain/api/internal/config"
	"secondbrain/api/internal/history"
	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/realtime"
	"secondbrain/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn             func(context.Context) error
	saveEditFn         func(context.Context, string, model.CollaborativeEdit) error
	listEditsFn        func(context.Context, store.EditFilter) ([]model.CollaborativeEdit, error)
	latestEditsFn      func(ctx context.Context, room, resourceType, resourceID string) ([]model.CollaborativeEdit, error)
	saveChatMessageFn  func(context.Context, model.ChatMessage) error
	listChatMessagesFn func(context.Context, string, int) ([]model.ChatMessage, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) SaveEdit(ctx context.Context, room string, edit model.CollaborativeEdit) error {
	if f.saveEditFn != nil {
		return f.saveEditFn(ctx, room, edit)
	}
	return nil
}

func (f *fakeStore) ListEdits(ctx context.Context, filter store.EditFilter) ([]model.CollaborativeEdit, error) {
	if f.listEditsFn != nil {
		return f.listEditsFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeStore) LatestEdits(ctx context.Context, room, resourceType, resourceID string) ([]model.CollaborativeEdit, error) {
	if f.latestEditsFn != nil {
		return f.latestEditsFn(ctx, room, resourceType, resourceID)
	}
	return nil, nil
}

func (f *fakeStore) SaveChatMessage(ctx context.Context, msg model.ChatMessage) error {
	if f.saveChatMessageFn != nil {
		return f.saveChatMessageFn(ctx, msg)
	}
	return nil
}

func (f *fakeStore) ListChatMessages(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	if f.listChatMessagesFn != nil {
		return f.listChatMessagesFn(ctx, room, limit)
	}
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret: testSecret,
		Realtime: config.RealtimeConfig{
			EditHistoryLimit: 200,
			CursorInterval:   50 * time.Millisecond,
		},
		History: config.HistoryConfig{ChatLimit: 100, EditLimit: 100},
	}
}

func newTestService(fs *fakeStore, caches *history.MemoryCaches) *Service {
	opts := Options{
		Transport: realtime.NewHub(),
		Logger:    log.Discard(),
	}
	if fs != nil {
		opts.Store = fs
	}
	if caches != nil {
		opts.Caches = caches.OwnerFunc()
	}
	return New(testConfig(), opts)
}

func issueTestToken(t *testing.T, identity model.Identity) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(identity, time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func serve(t *testing.T, svc *Service, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	NewHTTPServer(svc, "*").Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	rr := serve(t, newTestService(&fakeStore{}, nil), http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if response := decodeResponse(t, rr); response["ok"] != true {
		t.Fatalf("expected ok=true, got %v", response["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		redisErr   error
		wantStatus int
		wantFailed []string
	}{
		{name: "all healthy", wantStatus: http.StatusOK},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantFailed: []string{"database"}},
		{name: "redis down", redisErr: errors.New("dial tcp: refused"), wantStatus: http.StatusServiceUnavailable, wantFailed: []string{"redis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{pingFn: func(context.Context) error { return tt.pingErr }}
			svc := New(testConfig(), Options{
				Store:  fs,
				Logger: log.Discard(),
				Checks: map[string]Check{"redis": func(context.Context) error { return tt.redisErr }},
			})
			rr := serve(t, svc, http.MethodGet, "/api/ready", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			checks := decodeResponse(t, rr)["checks"].(map[string]any)
			if len(checks) != 2 {
				t.Fatalf("expected 2 checks, got %v", checks)
			}
			for _, name := range tt.wantFailed {
				check := checks[name].(map[string]any)
				if check["status"] != "error" {
					t.Fatalf("expected %s to fail, got %v", name, check)
				}
			}
		})
	}
}

func TestSessionEndpoint(t *testing.T) {
	svc := newTestService(nil, nil)

	rr := serve(t, svc, http.MethodGet, "/api/session", "")
	response := decodeResponse(t, rr)
	if response["authenticated"] != false {
		t.Fatalf("expected unauthenticated session, got %v", response)
	}
	if identity := response["identity"].(map[string]any); identity["user_id"] != model.PlaceholderUserID {
		t.Fatalf("expected placeholder identity, got %v", identity)
	}

	token := issueTestToken(t, model.Identity{UserID: "u1", Username: "Ann", Role: "commenter"})
	rr = serve(t, svc, http.MethodGet, "/api/session", token)
	response = decodeResponse(t, rr)
	identity := response["identity"].(map[string]any)
	if response["authenticated"] != true || identity["user_id"] != "u1" || identity["role"] != "commenter" {
		t.Fatalf("unexpected session: %v", response)
	}
}

func TestRoomRoutesRejectBadTokens(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/history", "not-a-token")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	token := issueTestToken(t, model.Identity{UserID: "u1", Username: "Ann", Role: "nobody"})
	rr = serve(t, svc, http.MethodGet, "/api/rooms/r1/history", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown roles normalize to viewer and may observe, got %d", rr.Code)
	}
}

func TestRoomHistoryReadsCallerCache(t *testing.T) {
	caches := history.NewMemoryCaches(history.Limits{})
	ctx := context.Background()
	_ = caches.ForOwner("u1").AppendChat(ctx, "r1", model.ChatMessage{ID: "msg_1", Content: "hello"})
	_ = caches.ForOwner("u2").AppendChat(ctx, "r1", model.ChatMessage{ID: "msg_2", Content: "not yours"})
	svc := newTestService(nil, caches)

	token := issueTestToken(t, model.Identity{UserID: "u1", Username: "Ann", Role: "viewer"})
	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/history", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body CachedHistory
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.ChatMessages) != 1 || body.ChatMessages[0].ID != "msg_1" {
		t.Fatalf("unexpected chat history: %+v", body.ChatMessages)
	}
}

func TestRoomEditsPassesFilter(t *testing.T) {
	var got store.EditFilter
	fs := &fakeStore{
		listEditsFn: func(_ context.Context, filter store.EditFilter) ([]model.CollaborativeEdit, error) {
			got = filter
			return []model.CollaborativeEdit{{ID: "edit_1", Field: "title"}}, nil
		},
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/edits?resource_type=opportunity&resource_id=o1&limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := store.EditFilter{Room: "r1", ResourceType: "opportunity", ResourceID: "o1", Limit: 5}
	if got != want {
		t.Fatalf("filter = %+v, want %+v", got, want)
	}

	rr = serve(t, svc, http.MethodGet, "/api/rooms/r1/edits?limit=many", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestResolvedResourceIsLastWriteWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		latestEditsFn: func(_ context.Context, room, resourceType, resourceID string) ([]model.CollaborativeEdit, error) {
			if room != "r1" || resourceType != "opportunity" || resourceID != "o1" {
				return nil, nil
			}
			return []model.CollaborativeEdit{
				{ID: "e1", Field: "title", Value: json.RawMessage(`"old"`), Timestamp: base},
				{ID: "e3", Field: "stage", Value: json.RawMessage(`"won"`), Timestamp: base.Add(time.Minute)},
				{ID: "e2", Field: "title", Value: json.RawMessage(`"new"`), Timestamp: base.Add(2 * time.Minute)},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/resources/opportunity/o1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	fields := decodeResponse(t, rr)["fields"].(map[string]any)
	if fields["title"] != "new" || fields["stage"] != "won" {
		t.Fatalf("unexpected resolved fields: %v", fields)
	}

	rr = serve(t, svc, http.MethodGet, "/api/rooms/r1/resources/opportunity/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for resource without edits, got %d", rr.Code)
	}
}

// editLog stores edits in insertion order and answers both list queries the
// way the Postgres store does.
type editLog []model.CollaborativeEdit

func (l editLog) newestFirst() []model.CollaborativeEdit {
	sorted := slices.Clone(l)
	slices.Reverse(sorted)
	slices.SortStableFunc(sorted, func(a, b model.CollaborativeEdit) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return sorted
}

func (l editLog) store() *fakeStore {
	return &fakeStore{
		listEditsFn: func(_ context.Context, filter store.EditFilter) ([]model.CollaborativeEdit, error) {
			edits := l.newestFirst()
			limit := min(max(filter.Limit, 1), store.MaxListLimit)
			if len(edits) > limit {
				edits = edits[:limit]
			}
			return edits, nil
		},
		latestEditsFn: func(context.Context, string, string, string) ([]model.CollaborativeEdit, error) {
			seen := map[string]bool{}
			var latest []model.CollaborativeEdit
			for _, edit := range l.newestFirst() {
				if !seen[edit.Field] {
					seen[edit.Field] = true
					latest = append(latest, edit)
				}
			}
			return latest, nil
		},
	}
}

func TestResolvedResourceKeepsFieldsOlderThanListLimit(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	edits := editLog{{ID: "e_title", Field: "title", Value: json.RawMessage(`"Acme"`), Timestamp: base}}
	for i := 0; i <= store.MaxListLimit; i++ {
		edits = append(edits, model.CollaborativeEdit{
			ID:        fmt.Sprintf("e_notes_%d", i),
			Field:     "notes",
			Value:     json.RawMessage(fmt.Sprintf(`"n%d"`, i)),
			Timestamp: base.Add(time.Duration(i+1) * time.Second),
		})
	}
	svc := newTestService(edits.store(), nil)

	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/resources/opportunity/o1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	fields := decodeResponse(t, rr)["fields"].(map[string]any)
	want := fmt.Sprintf("n%d", store.MaxListLimit)
	if fields["title"] != "Acme" || fields["notes"] != want {
		t.Fatalf("resolved fields = %v, want title Acme and notes %s", fields, want)
	}
}

func TestRoomChatWithoutDatabase(t *testing.T) {
	svc := newTestService(nil, nil)
	rr := serve(t, svc, http.MethodGet, "/api/rooms/r1/chat", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "PERSISTENCE_DISABLED" {
		t.Fatalf("expected PERSISTENCE_DISABLED, got %v", code)
	}
	if _, err := svc.ListChatMessages(context.Background(), "r1", 10); !errors.Is(err, errPersistenceDisabled) {
		t.Fatalf("ListChatMessages() error = %v", err)
	}
}

func TestRoomChatStoreFailure(t *testing.T) {
	fs := &fakeStore{
		listChatMessagesFn: func(context.Context, string, int) ([]model.ChatMessage, error) {
			return nil, errors.New("boom")
		},
	}
	rr := serve(t, newTestService(fs, nil), http.MethodGet, "/api/rooms/r1/chat", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	rr := serve(t, newTestService(nil, nil), http.MethodGet, "/api/documents", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", code)
	}
}
