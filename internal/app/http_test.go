package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pocketwiki/api/internal/config"
	"pocketwiki/api/internal/editor"
	"pocketwiki/api/internal/engage"
	"pocketwiki/api/internal/gateway"
	"pocketwiki/api/internal/store"
)

type fakeEditStore struct {
	ensureAccountFn func(ctx context.Context, name string) (store.Account, error)
	editCountFn     func(ctx context.Context, accountID string) (int, error)
	recordEditFn    func(ctx context.Context, edit store.TrackedEdit) (int, error)
	pingFn          func(ctx context.Context) error

	recorded []store.TrackedEdit
}

func (f *fakeEditStore) EnsureAccount(ctx context.Context, name string) (store.Account, error) {
	if f.ensureAccountFn != nil {
		return f.ensureAccountFn(ctx, name)
	}
	return store.Account{ID: "acct_1", Name: name}, nil
}

func (f *fakeEditStore) EditCount(ctx context.Context, accountID string) (int, error) {
	if f.editCountFn != nil {
		return f.editCountFn(ctx, accountID)
	}
	return 0, nil
}

func (f *fakeEditStore) RecordEdit(ctx context.Context, edit store.TrackedEdit) (int, error) {
	f.recorded = append(f.recorded, edit)
	if f.recordEditFn != nil {
		return f.recordEditFn(ctx, edit)
	}
	return len(f.recorded), nil
}

func (f *fakeEditStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakePrefsStore struct {
	editorPreferenceFn func(ctx context.Context, accountID string) (editor.Kind, error)
	acquirePageLockFn  func(ctx context.Context, title, sessionID string, ttl time.Duration) (bool, error)
	pingFn             func(ctx context.Context) error

	savedKind     editor.Kind
	markedEdited  bool
	releasedLocks []string
}

func (f *fakePrefsStore) EditorPreference(ctx context.Context, accountID string) (editor.Kind, error) {
	if f.editorPreferenceFn != nil {
		return f.editorPreferenceFn(ctx, accountID)
	}
	return editor.KindSource, nil
}

func (f *fakePrefsStore) SaveEditorPreference(ctx context.Context, accountID string, kind editor.Kind) error {
	f.savedKind = kind
	return nil
}

func (f *fakePrefsStore) MarkEdited(ctx context.Context, accountID string, ttl time.Duration) error {
	f.markedEdited = true
	return nil
}

func (f *fakePrefsStore) HasEdited(ctx context.Context, accountID string) (bool, error) {
	return f.markedEdited, nil
}

func (f *fakePrefsStore) AcquirePageLock(ctx context.Context, title, sessionID string, ttl time.Duration) (bool, error) {
	if f.acquirePageLockFn != nil {
		return f.acquirePageLockFn(ctx, title, sessionID, ttl)
	}
	return true, nil
}

func (f *fakePrefsStore) ReleasePageLock(ctx context.Context, title, sessionID string) error {
	f.releasedLocks = append(f.releasedLocks, title)
	return nil
}

func (f *fakePrefsStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeGateway struct {
	fetchContentFn func(ctx context.Context, req gateway.ContentRequest) (string, error)
	fetchPreviewFn func(ctx context.Context, req gateway.PreviewRequest) (gateway.Preview, error)
	submitSaveFn   func(ctx context.Context, req gateway.SaveRequest) (gateway.SaveResult, error)
}

func (g *fakeGateway) FetchContent(ctx context.Context, req gateway.ContentRequest) (string, error) {
	if g.fetchContentFn != nil {
		return g.fetchContentFn(ctx, req)
	}
	return "base text", nil
}

func (g *fakeGateway) FetchPreview(ctx context.Context, req gateway.PreviewRequest) (gateway.Preview, error) {
	if g.fetchPreviewFn != nil {
		return g.fetchPreviewFn(ctx, req)
	}
	return gateway.Preview{Body: "<p>rendered</p>", SectionLine: "Heading"}, nil
}

func (g *fakeGateway) SubmitSave(ctx context.Context, req gateway.SaveRequest) (gateway.SaveResult, error) {
	if g.submitSaveFn != nil {
		return g.submitSaveFn(ctx, req)
	}
	return gateway.SaveResult{NewRevisionID: 42}, nil
}

func testService(storeFake *fakeEditStore, prefsFake *fakePrefsStore, gw *fakeGateway) *Service {
	cfg := config.Config{
		WikiBaseURL:     "https://wiki.test/wiki",
		MainPage:        "Main Page",
		PageLockTTL:     time.Minute,
		EditedMarkerTTL: 30 * 24 * time.Hour,
		EngageEnabled:   true,
		EngageCampaign:  "growth-2026",
	}
	return &Service{
		cfg:      cfg,
		store:    storeFake,
		prefs:    prefsFake,
		gw:       gw,
		engage:   engage.Policy{Enabled: cfg.EngageEnabled, Campaign: cfg.EngageCampaign},
		sessions: make(map[string]*editor.Session),
	}
}

func testHandler(service *Service) http.Handler {
	return NewHTTPServer(service, "*").Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodePayload(t *testing.T, rec *httptest.ResponseRecorder) SessionPayload {
	t.Helper()
	var payload SessionPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v (body %s)", err, rec.Body.String())
	}
	return payload
}

func openSession(t *testing.T, handler http.Handler, input OpenSessionInput) SessionPayload {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions", input)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: status %d, body %s", rec.Code, rec.Body.String())
	}
	return decodePayload(t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, &fakeGateway{}))
	rec := doRequest(t, handler, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestReadyEndpointReportsBackendFailure(t *testing.T) {
	prefsFake := &fakePrefsStore{
		pingFn: func(context.Context) error { return errors.New("redis down") },
	}
	handler := testHandler(testService(&fakeEditStore{}, prefsFake, &fakeGateway{}))

	rec := doRequest(t, handler, http.MethodGet, "/api/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
}

func TestEditLifecycle(t *testing.T) {
	storeFake := &fakeEditStore{}
	prefsFake := &fakePrefsStore{}
	handler := testHandler(testService(storeFake, prefsFake, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", UserName: "Sam"})
	if payload.Session.State != editor.StateEditing {
		t.Fatalf("expected editing after open, got %s", payload.Session.State)
	}
	id := payload.Session.ID

	rec := doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "base text, changed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update content: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/preview",
		map[string]int{"scrollTop": 80})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: status %d, body %s", rec.Code, rec.Body.String())
	}
	if state := decodePayload(t, rec).Session.State; state != editor.StatePreviewing {
		t.Fatalf("expected previewing, got %s", state)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "fix typo"})
	if rec.Code != http.StatusOK {
		t.Fatalf("save: status %d, body %s", rec.Code, rec.Body.String())
	}
	var saved SaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	if saved.Result != "saved" {
		t.Fatalf("result %q, want saved", saved.Result)
	}
	if saved.EditCount != 1 {
		t.Fatalf("edit count %d, want 1", saved.EditCount)
	}
	if saved.Ack == nil || !saved.Ack.ShowPanel {
		// Sam is not a cohort member, so the toast shows instead.
		if saved.Ack == nil || saved.Ack.Message == "" {
			t.Fatalf("expected an acknowledgement, got %+v", saved.Ack)
		}
	}
	if saved.EditedMarkerDays != 30 {
		t.Fatalf("marker days %d, want 30", saved.EditedMarkerDays)
	}

	if len(storeFake.recorded) != 1 || storeFake.recorded[0].Title != "Moss" {
		t.Fatalf("edit not tracked: %+v", storeFake.recorded)
	}
	if !prefsFake.markedEdited {
		t.Fatal("edited marker not set")
	}
	if len(prefsFake.releasedLocks) != 1 {
		t.Fatalf("page lock not released: %v", prefsFake.releasedLocks)
	}

	// The session is gone after a successful save.
	rec = doRequest(t, handler, http.MethodGet, "/api/edit/sessions/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after save, got %d", rec.Code)
	}
}

func TestAnonymousFlow(t *testing.T) {
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", Section: intPtr(2)})
	if payload.Session.State != editor.StateAnonWarning {
		t.Fatalf("expected anon-warning, got %s", payload.Session.State)
	}
	login, ok := payload.Links["login"]
	if !ok || login == "" {
		t.Fatalf("anonymous open must carry a login link: %v", payload.Links)
	}
	if _, ok := payload.Links["signup"]; !ok {
		t.Fatalf("anonymous open must carry a signup link: %v", payload.Links)
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+payload.Session.ID+"/ack", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack: status %d, body %s", rec.Code, rec.Body.String())
	}
	if state := decodePayload(t, rec).Session.State; state != editor.StateEditing {
		t.Fatalf("expected editing after ack, got %s", state)
	}
}

func TestOpenSessionRejectsSecondSessionOnSamePage(t *testing.T) {
	prefsFake := &fakePrefsStore{
		acquirePageLockFn: func(context.Context, string, string, time.Duration) (bool, error) {
			return false, nil
		},
	}
	handler := testHandler(testService(&fakeEditStore{}, prefsFake, &fakeGateway{}))

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions",
		OpenSessionInput{Title: "Moss", UserName: "Sam"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "SESSION_EXISTS" {
		t.Fatalf("error code %q, want SESSION_EXISTS", body.Code)
	}
}

func TestOpenSessionRequiresTitle(t *testing.T) {
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, &fakeGateway{}))
	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions", OpenSessionInput{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestNewPageSaveNeedsConfirmation(t *testing.T) {
	gw := &fakeGateway{
		fetchContentFn: func(context.Context, gateway.ContentRequest) (string, error) {
			return "", nil
		},
	}
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, gw))

	payload := openSession(t, handler, OpenSessionInput{Title: "Brand New", UserName: "Sam", IsNewPage: true})
	id := payload.Session.ID
	doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "first content"})
	doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/preview",
		map[string]int{"scrollTop": 0})

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "create"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
	var body struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "CONFIRM_REQUIRED" {
		t.Fatalf("error code %q, want CONFIRM_REQUIRED", body.Code)
	}
	if body.Details["message"] != editor.MsgNewPageConfirm {
		t.Fatalf("expected new-page confirm message, got %v", body.Details)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "create", Confirmed: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed save: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSaveFailureIsARecoverableResponse(t *testing.T) {
	gw := &fakeGateway{
		submitSaveFn: func(context.Context, gateway.SaveRequest) (gateway.SaveResult, error) {
			return gateway.SaveResult{}, &gateway.SaveFailure{Code: "editconflict"}
		},
	}
	storeFake := &fakeEditStore{}
	handler := testHandler(testService(storeFake, &fakePrefsStore{}, gw))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", UserName: "Sam"})
	id := payload.Session.ID
	doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "base text, changed"})
	doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/preview",
		map[string]int{"scrollTop": 0})

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var saved SaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	if saved.Result != "error" {
		t.Fatalf("result %q, want error", saved.Result)
	}
	if saved.Session.State != editor.StateConflict {
		t.Fatalf("session state %s, want conflict", saved.Session.State)
	}
	if len(storeFake.recorded) != 0 {
		t.Fatal("a failed save must not be tracked")
	}

	// The session survives for the retry.
	rec = doRequest(t, handler, http.MethodGet, "/api/edit/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session gone after recoverable failure: %d", rec.Code)
	}
}

func TestMainPageSaveNavigates(t *testing.T) {
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Main Page", UserName: "Sam"})
	id := payload.Session.ID
	doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "base text, changed"})
	doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/preview",
		map[string]int{"scrollTop": 0})

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var saved SaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	if saved.Result != "navigate" {
		t.Fatalf("result %q, want navigate", saved.Result)
	}
	if saved.Location != "https://wiki.test/wiki/Main%20Page" {
		t.Fatalf("unexpected location %q", saved.Location)
	}
	if saved.Ack != nil {
		t.Fatal("main-page saves skip the acknowledgement flow")
	}
}

func TestEngagementPanelForCohortFirstEdit(t *testing.T) {
	storeFake := &fakeEditStore{
		ensureAccountFn: func(_ context.Context, name string) (store.Account, error) {
			return store.Account{ID: "acct_1", Name: name, Cohort: "keep-going"}, nil
		},
	}
	handler := testHandler(testService(storeFake, &fakePrefsStore{}, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", UserName: "Newbie"})
	id := payload.Session.ID
	doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "base text, changed"})
	doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/preview",
		map[string]int{"scrollTop": 0})

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/save",
		SaveInput{Summary: "s"})
	var saved SaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	if saved.Ack == nil || !saved.Ack.ShowPanel {
		t.Fatalf("expected engagement panel, got %+v", saved.Ack)
	}
	if saved.Ack.Message != "" {
		t.Fatal("panel and toast are mutually exclusive")
	}
}

func TestSwitchEditorPersistsPreference(t *testing.T) {
	prefsFake := &fakePrefsStore{}
	handler := testHandler(testService(&fakeEditStore{}, prefsFake, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", UserName: "Sam"})
	id := payload.Session.ID

	rec := doRequest(t, handler, http.MethodPost, "/api/edit/sessions/"+id+"/editor",
		map[string]any{"editor": "visual", "confirmed": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("switch editor: status %d, body %s", rec.Code, rec.Body.String())
	}
	if kind := decodePayload(t, rec).Session.Kind; kind != editor.KindVisual {
		t.Fatalf("session kind %s, want visual", kind)
	}
	if prefsFake.savedKind != editor.KindVisual {
		t.Fatalf("preference not persisted, got %q", prefsFake.savedKind)
	}
}

func TestCloseDirtySessionNeedsConfirmation(t *testing.T) {
	prefsFake := &fakePrefsStore{}
	handler := testHandler(testService(&fakeEditStore{}, prefsFake, &fakeGateway{}))

	payload := openSession(t, handler, OpenSessionInput{Title: "Moss", UserName: "Sam"})
	id := payload.Session.ID
	doRequest(t, handler, http.MethodPut, "/api/edit/sessions/"+id+"/content",
		map[string]string{"text": "base text, changed"})

	rec := doRequest(t, handler, http.MethodDelete, "/api/edit/sessions/"+id, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("unconfirmed close: status %d, want 409", rec.Code)
	}
	if len(prefsFake.releasedLocks) != 0 {
		t.Fatal("declined close must not release the page lock")
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/edit/sessions/"+id+"?confirmed=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed close: status %d, body %s", rec.Code, rec.Body.String())
	}
	if len(prefsFake.releasedLocks) != 1 {
		t.Fatal("close must release the page lock")
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	handler := testHandler(testService(&fakeEditStore{}, &fakePrefsStore{}, &fakeGateway{}))
	rec := doRequest(t, handler, http.MethodGet, "/api/edit/sessions/sess_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func intPtr(v int) *int { return &v }
