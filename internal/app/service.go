package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"pocketwiki/api/internal/config"
	"pocketwiki/api/internal/editor"
	"pocketwiki/api/internal/engage"
	"pocketwiki/api/internal/gateway"
	"pocketwiki/api/internal/prefs"
	"pocketwiki/api/internal/store"
	"pocketwiki/api/internal/util"
)

type editStore interface {
	EnsureAccount(ctx context.Context, name string) (store.Account, error)
	EditCount(ctx context.Context, accountID string) (int, error)
	RecordEdit(ctx context.Context, edit store.TrackedEdit) (int, error)
	Ping(ctx context.Context) error
}

type prefsStore interface {
	EditorPreference(ctx context.Context, accountID string) (editor.Kind, error)
	SaveEditorPreference(ctx context.Context, accountID string, kind editor.Kind) error
	MarkEdited(ctx context.Context, accountID string, ttl time.Duration) error
	HasEdited(ctx context.Context, accountID string) (bool, error)
	AcquirePageLock(ctx context.Context, title, sessionID string, ttl time.Duration) (bool, error)
	ReleasePageLock(ctx context.Context, title, sessionID string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  editStore
	prefs  prefsStore
	gw     editor.Gateway
	engage engage.Policy

	mu       sync.Mutex
	sessions map[string]*editor.Session
}

func New(cfg config.Config, dataStore *store.PostgresStore, prefStore *prefs.RedisStore, gw *gateway.Client) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		prefs:    prefStore,
		gw:       gw,
		engage:   engage.Policy{Enabled: cfg.EngageEnabled, Campaign: cfg.EngageCampaign},
		sessions: make(map[string]*editor.Session),
	}
}

type OpenSessionInput struct {
	Title     string `json:"title"`
	Section   *int   `json:"section"`
	Revision  int64  `json:"revision"`
	IsNewPage bool   `json:"isNewPage"`
	// UserName empty means an anonymous session.
	UserName string `json:"userName"`
	Campaign string `json:"campaign"`
	// Editor overrides the stored preference when set.
	Editor string `json:"editor"`
}

// SessionPayload is what every session endpoint returns: the current
// snapshot plus the render instructions produced since the last call.
type SessionPayload struct {
	Session editor.View       `json:"session"`
	Events  []editor.Event    `json:"events"`
	Links   map[string]string `json:"links,omitempty"`
}

// SaveResponse reports how a save attempt ended. A failed-but-recoverable
// save is a normal response; the events carry the failure panel.
type SaveResponse struct {
	Result    string          `json:"result"`
	Location  string          `json:"location,omitempty"`
	EditCount int             `json:"editCount,omitempty"`
	Ack       *engage.Outcome `json:"ack,omitempty"`
	// EditedMarkerDays tells the shell how long its edited-from-mobile
	// cookie should live.
	EditedMarkerDays int            `json:"editedMarkerDays,omitempty"`
	Session          editor.View    `json:"session"`
	Events           []editor.Event `json:"events"`
}

// OpenSession creates the one editing session a page may have, picking the
// default editor kind from the stored preference and snapshotting the edit
// count the gamification decision will use.
func (s *Service) OpenSession(ctx context.Context, input OpenSessionInput) (SessionPayload, error) {
	if input.Title == "" {
		return SessionPayload{}, domainError(http.StatusBadRequest, "INVALID_TITLE", "Title is required", nil)
	}

	anonymous := input.UserName == ""
	kind := editor.KindSource
	var account store.Account
	editCount := 0
	if !anonymous {
		var err error
		account, err = s.store.EnsureAccount(ctx, input.UserName)
		if err != nil {
			return SessionPayload{}, err
		}
		editCount, err = s.store.EditCount(ctx, account.ID)
		if err != nil {
			return SessionPayload{}, err
		}
		kind, err = s.prefs.EditorPreference(ctx, account.ID)
		if err != nil {
			return SessionPayload{}, err
		}
	}
	if requested, ok := editor.ParseKind(input.Editor); ok {
		kind = requested
	}

	id := util.NewID("sess")
	acquired, err := s.prefs.AcquirePageLock(ctx, input.Title, id, s.cfg.PageLockTTL)
	if err != nil {
		return SessionPayload{}, err
	}
	if !acquired {
		return SessionPayload{}, domainError(http.StatusConflict, "SESSION_EXISTS",
			"An editing session is already open for this page", nil)
	}

	session := editor.NewSession(id, editor.SessionConfig{
		Title:           input.Title,
		Section:         input.Section,
		Kind:            kind,
		BaseRevID:       input.Revision,
		IsAnonymous:     anonymous,
		IsNewPage:       input.IsNewPage,
		IsReadOnly:      input.Revision != 0,
		IsMainPage:      input.Title == s.cfg.MainPage,
		AccountID:       account.ID,
		AccountName:     account.Name,
		CohortMember:    account.Cohort != "",
		Campaign:        input.Campaign,
		EditCountAtOpen: editCount,
	}, s.gw)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	if !anonymous {
		// A load failure is terminal for the session but not for the
		// request: the payload carries the failed-load state and events.
		_ = session.Load(ctx)
	}

	payload := s.payload(session)
	if anonymous {
		payload.Links = s.anonWarningLinks(input.Title, input.Section)
	}
	return payload, nil
}

func (s *Service) GetSession(id string) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	return s.payload(session), nil
}

// Acknowledge dismisses the anonymous-editing warning and loads content.
func (s *Service) Acknowledge(ctx context.Context, id string) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	if err := session.Acknowledge(ctx); err != nil {
		var stateErr *editor.StateError
		if errors.As(err, &stateErr) {
			return SessionPayload{}, mapSessionError(err)
		}
		// Load failures surface through events; the session is terminal.
	}
	return s.payload(session), nil
}

func (s *Service) UpdateContent(id, text string) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	if err := session.SetContent(text); err != nil {
		return SessionPayload{}, mapSessionError(err)
	}
	return s.payload(session), nil
}

func (s *Service) Preview(ctx context.Context, id string, scrollTop int) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	if err := session.Preview(ctx, scrollTop); err != nil {
		return SessionPayload{}, mapSessionError(err)
	}
	return s.payload(session), nil
}

func (s *Service) Back(id string) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	if err := session.Back(); err != nil {
		return SessionPayload{}, mapSessionError(err)
	}
	return s.payload(session), nil
}

type SaveInput struct {
	Summary     string `json:"summary"`
	CaptchaWord string `json:"captchaWord"`
	Confirmed   bool   `json:"confirmed"`
}

func (s *Service) Save(ctx context.Context, id string, input SaveInput) (SaveResponse, error) {
	session, err := s.session(id)
	if err != nil {
		return SaveResponse{}, err
	}

	outcome, err := session.Save(ctx, editor.SaveInput{
		Summary:     input.Summary,
		CaptchaWord: input.CaptchaWord,
		Confirmed:   input.Confirmed,
	})
	if err != nil {
		if errors.Is(err, editor.ErrConfirmRequired) {
			return SaveResponse{}, domainError(http.StatusConflict, "CONFIRM_REQUIRED",
				"Creating a new page needs an explicit confirmation",
				map[string]any{"message": editor.MsgNewPageConfirm})
		}
		var stateErr *editor.StateError
		if errors.Is(err, editor.ErrSaveInFlight) ||
			errors.Is(err, editor.ErrFilterLocked) ||
			errors.Is(err, editor.ErrSuperseded) ||
			errors.As(err, &stateErr) {
			return SaveResponse{}, mapSessionError(err)
		}
		// A classified save failure: the session already moved to its
		// recovery state and queued the failure panel.
		return SaveResponse{
			Result:  "error",
			Session: session.Snapshot(),
			Events:  session.DrainEvents(),
		}, nil
	}

	cfg := session.Config()
	s.remove(ctx, session)

	if outcome.MainPage {
		// Main-page saves bypass the toast/engagement flow: the client
		// hard-navigates to the page instead.
		return SaveResponse{
			Result:   "navigate",
			Location: s.pageURL(cfg.Title),
			Session:  session.Snapshot(),
			Events:   session.DrainEvents(),
		}, nil
	}

	editCount := cfg.EditCountAtOpen + 1
	if cfg.AccountID != "" {
		if count, err := s.store.RecordEdit(ctx, store.TrackedEdit{
			AccountID: cfg.AccountID,
			Title:     cfg.Title,
			Section:   cfg.Section,
			Summary:   input.Summary,
		}); err == nil {
			editCount = count
		}
		// The marker is advisory; the save already succeeded.
		_ = s.prefs.MarkEdited(ctx, cfg.AccountID, s.cfg.EditedMarkerTTL)
	}

	ack := s.engage.Decide(engage.Input{
		CohortMember:    cfg.CohortMember,
		EditCountAtOpen: cfg.EditCountAtOpen,
		Campaign:        cfg.Campaign,
		IsNewPage:       cfg.IsNewPage,
		IsNewEditor:     cfg.EditCountAtOpen == 0,
	})

	return SaveResponse{
		Result:           "saved",
		EditCount:        editCount,
		Ack:              &ack,
		EditedMarkerDays: int(s.cfg.EditedMarkerTTL.Hours() / 24),
		Session:          session.Snapshot(),
		Events:           session.DrainEvents(),
	}, nil
}

func (s *Service) SwitchEditor(ctx context.Context, id, kindValue string, confirmed bool) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	kind, ok := editor.ParseKind(kindValue)
	if !ok {
		return SessionPayload{}, domainError(http.StatusBadRequest, "INVALID_EDITOR", "Unknown editor kind", nil)
	}
	if err := session.SwitchKind(kind, confirmed); err != nil {
		return SessionPayload{}, mapSessionError(err)
	}
	if accountID := session.Config().AccountID; accountID != "" {
		if err := s.prefs.SaveEditorPreference(ctx, accountID, kind); err != nil {
			return SessionPayload{}, err
		}
	}
	return s.payload(session), nil
}

func (s *Service) CloseSession(ctx context.Context, id string, force, confirmed bool) (SessionPayload, error) {
	session, err := s.session(id)
	if err != nil {
		return SessionPayload{}, err
	}
	if err := session.Close(force, confirmed); err != nil {
		return SessionPayload{}, mapSessionError(err)
	}
	s.remove(ctx, session)
	return s.payload(session), nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.prefs.Ping(ctx)
}

func (s *Service) session(id string) (*editor.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "No such editing session", nil)
	}
	return session, nil
}

func (s *Service) remove(ctx context.Context, session *editor.Session) {
	cfg := session.Config()
	_ = s.prefs.ReleasePageLock(ctx, cfg.Title, session.ID)
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

func (s *Service) payload(session *editor.Session) SessionPayload {
	return SessionPayload{
		Session: session.Snapshot(),
		Events:  session.DrainEvents(),
	}
}

func (s *Service) pageURL(title string) string {
	return s.cfg.WikiBaseURL + "/" + url.PathEscape(title)
}

// anonWarningLinks builds the login and signup URLs the anonymous warning
// renders, returning the user to the same edit affordance afterwards.
func (s *Service) anonWarningLinks(title string, section *int) map[string]string {
	returnQuery := "action=edit"
	if section != nil {
		returnQuery += "&section=" + strconv.Itoa(*section)
	}
	params := url.Values{
		"returnto":      {title},
		"returntoquery": {returnQuery},
	}
	login := s.cfg.WikiBaseURL + "/Special:UserLogin?" + params.Encode()
	params.Set("type", "signup")
	signup := s.cfg.WikiBaseURL + "/Special:UserLogin?" + params.Encode()
	return map[string]string{"login": login, "signup": signup}
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, editor.ErrConfirmRequired):
		return domainError(http.StatusConflict, "CONFIRM_REQUIRED",
			"This action needs an explicit confirmation", map[string]any{"message": editor.MsgCancelConfirm})
	case errors.Is(err, editor.ErrSaveInFlight):
		return domainError(http.StatusConflict, "SAVE_IN_FLIGHT",
			"A save is in progress; the request was deferred", nil)
	case errors.Is(err, editor.ErrFilterLocked):
		return domainError(http.StatusConflict, "FILTER_BLOCKED",
			"Blocked by the edit filter until the content changes", nil)
	case errors.Is(err, editor.ErrSuperseded):
		return domainError(http.StatusConflict, "SUPERSEDED",
			"The request was superseded and its result discarded", nil)
	case errors.Is(err, editor.ErrReadOnly):
		return domainError(http.StatusForbidden, "READ_ONLY", "This session is read-only", nil)
	case errors.Is(err, editor.ErrNotDirty):
		return domainError(http.StatusConflict, "NOT_DIRTY", "Nothing changed yet", nil)
	case errors.Is(err, editor.ErrClosed):
		return domainError(http.StatusGone, "SESSION_CLOSED", "The session is closed", nil)
	}
	var stateErr *editor.StateError
	if errors.As(err, &stateErr) {
		return domainError(http.StatusConflict, "INVALID_STATE", stateErr.Error(),
			map[string]any{"state": string(stateErr.State)})
	}
	return err
}
