package editor

import (
	"context"
	"sync"

	"pocketwiki/api/internal/gateway"
)

// Session is one open editor instance for one page section. All methods are
// safe for concurrent use; gateway calls run outside the lock and their
// results are discarded if the session moved on in the meantime.
type Session struct {
	ID  string
	cfg SessionConfig

	gw Gateway

	mu             sync.Mutex
	state          State
	kind           Kind
	tracker        ChangeTracker
	text           string
	summaryLine    string
	lastSummary    string
	scrollTop      int
	previewBody    string
	captchaID      string
	captchaShown   bool
	confirmAborted bool
	filterLocked   bool
	closeRequested bool
	pending        *pendingCall
	events         []Event
}

// pendingCall identifies the one gateway request the session may have in
// flight. Cancelling it is explicit (back-out, close); superseding it is
// detected by pointer comparison when the response lands.
type pendingCall struct {
	cancel context.CancelFunc
}

func NewSession(id string, cfg SessionConfig, gw Gateway) *Session {
	state := StateLoading
	if cfg.IsAnonymous {
		// Anonymous editing needs an explicit acknowledgement before any
		// content is fetched.
		state = StateAnonWarning
	}
	kind := cfg.Kind
	if _, ok := ParseKind(string(kind)); !ok {
		kind = KindSource
	}
	return &Session{ID: id, cfg: cfg, gw: gw, state: state, kind: kind}
}

func (s *Session) Config() SessionConfig { return s.cfg }

// Load fetches the section content and opens the editing surface. Valid only
// while Loading; a load failure is terminal for the session.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLoading {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "load", State: state}
	}
	callCtx, call := s.beginLocked(ctx)
	s.mu.Unlock()

	content, err := s.gw.FetchContent(callCtx, gateway.ContentRequest{
		Title:     s.cfg.Title,
		Section:   s.cfg.Section,
		Revision:  s.cfg.BaseRevID,
		IsNewPage: s.cfg.IsNewPage,
	})
	call.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settleLocked(call) {
		return ErrSuperseded
	}
	if err != nil {
		s.state = StateLoadFailed
		s.emit(EventLoadFailed, map[string]any{"message": MsgErrorLoading})
		return err
	}
	s.tracker.SetBaseline(content)
	s.text = content
	s.state = StateEditing
	s.emit(EventLoaded, map[string]any{"readOnly": s.cfg.IsReadOnly})
	return nil
}

// Acknowledge dismisses the anonymous-editing warning and proceeds to load.
func (s *Session) Acknowledge(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAnonWarning {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "acknowledge", State: state}
	}
	s.state = StateLoading
	s.mu.Unlock()
	return s.Load(ctx)
}

// SetContent replaces the working text. Allowed while the editing surface is
// visible, including the retry states after a failed save; changing content
// lifts a hard edit-filter lockout.
func (s *Session) SetContent(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.IsReadOnly {
		return ErrReadOnly
	}
	if !editable(s.state) {
		return &StateError{Op: "edit", State: s.state}
	}
	s.text = text
	s.filterLocked = false
	return nil
}

// Preview captures the scroll offset, snapshots the working text and asks
// the gateway for a rendering. A response that arrives after the text
// changed again, or after back-out, is discarded. A preview failure is
// recoverable: the session stays in Previewing with an inline error.
func (s *Session) Preview(ctx context.Context, scrollTop int) error {
	s.mu.Lock()
	if s.cfg.IsReadOnly {
		s.mu.Unlock()
		return ErrReadOnly
	}
	if s.state != StateEditing {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "preview", State: state}
	}
	if !s.tracker.IsDirty(s.text) {
		s.mu.Unlock()
		return ErrNotDirty
	}
	s.scrollTop = scrollTop
	s.state = StatePreviewing
	s.previewBody = ""
	snapshot := s.text
	callCtx, call := s.beginLocked(ctx)
	s.mu.Unlock()

	preview, err := s.gw.FetchPreview(callCtx, gateway.PreviewRequest{
		Title:      s.cfg.Title,
		Text:       snapshot,
		IsMainPage: s.cfg.IsMainPage,
	})
	call.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settleLocked(call) || s.state != StatePreviewing || s.text != snapshot {
		return ErrSuperseded
	}
	if err != nil {
		s.emit(EventPreviewFailed, map[string]any{"message": MsgErrorPreview})
		return nil
	}
	s.summaryLine = StripMarkup(preview.SectionLine)
	s.previewBody = InertLinks(preview.Body)
	s.emit(EventPreviewReady, map[string]any{
		"body":        s.previewBody,
		"sectionLine": s.summaryLine,
	})
	return nil
}

// Back leaves the preview (or a failure panel) and restores the editable
// view. Anything still in flight is cancelled outright, including a save.
func (s *Session) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePreviewing, StateSaving, StateCaptcha, StateAbuseFilter, StateConflict, StateFailed:
	default:
		return &StateError{Op: "back", State: s.state}
	}
	s.cancelPendingLocked()
	// captchaId lives only in the captcha state
	s.captchaID = ""
	s.filterLocked = false
	s.previewBody = ""
	s.state = StateEditing
	s.emit(EventBack, map[string]any{"scrollTop": s.scrollTop})
	return nil
}

// SaveInput is what the shell submits with a save.
type SaveInput struct {
	Summary     string
	CaptchaWord string
	// Confirmed reports that the user passed the new-page confirmation.
	Confirmed bool
}

// SaveOutcome tells the caller what post-save side effects apply.
type SaveOutcome struct {
	MainPage      bool
	IsNewPage     bool
	NewRevisionID int64
}

// Save submits the edit. Reachable from Previewing and from the retry states
// a failed save leaves behind; only one save may be outstanding. The entered
// text and summary survive every failure path.
func (s *Session) Save(ctx context.Context, input SaveInput) (SaveOutcome, error) {
	s.mu.Lock()
	if s.state == StateSaving {
		s.mu.Unlock()
		return SaveOutcome{}, ErrSaveInFlight
	}
	switch s.state {
	case StatePreviewing, StateCaptcha, StateAbuseFilter, StateConflict, StateFailed:
	default:
		state := s.state
		s.mu.Unlock()
		return SaveOutcome{}, &StateError{Op: "save", State: state}
	}
	if s.filterLocked {
		s.mu.Unlock()
		return SaveOutcome{}, ErrFilterLocked
	}
	if s.cfg.IsNewPage && !input.Confirmed {
		s.confirmAborted = true
		s.mu.Unlock()
		return SaveOutcome{}, ErrConfirmRequired
	}
	s.confirmAborted = false
	s.lastSummary = input.Summary

	summary := input.Summary
	if s.summaryLine != "" {
		summary = "/* " + s.summaryLine + " */" + summary
	}
	req := gateway.SaveRequest{
		Title:          s.cfg.Title,
		Section:        s.cfg.Section,
		Text:           s.text,
		Summary:        summary,
		BaseRevisionID: s.cfg.BaseRevID,
		IsMainPage:     s.cfg.IsMainPage,
	}
	if s.captchaID != "" {
		req.CaptchaID = s.captchaID
		req.CaptchaWord = input.CaptchaWord
	}
	s.state = StateSaving
	s.emit(EventSaving, nil)
	callCtx, call := s.beginLocked(ctx)
	s.mu.Unlock()

	result, err := s.gw.SubmitSave(callCtx, req)
	call.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settleLocked(call) {
		return SaveOutcome{}, ErrSuperseded
	}

	if err != nil {
		s.applyFailureLocked(Classify(err))
		if s.closeRequested {
			// A close arrived while saving; honor it now that the save
			// settled.
			s.closeLocked()
		}
		return SaveOutcome{}, err
	}

	s.state = StateSuccess
	if s.cfg.IsMainPage {
		// Main-page saves skip the toast/engagement flow entirely.
		s.emit(EventNavigate, map[string]any{"title": s.cfg.Title})
	} else {
		s.emit(EventSaved, map[string]any{"newRevId": result.NewRevisionID})
	}
	return SaveOutcome{
		MainPage:      s.cfg.IsMainPage,
		IsNewPage:     s.cfg.IsNewPage,
		NewRevisionID: result.NewRevisionID,
	}, nil
}

func (s *Session) applyFailureLocked(classified Classified) {
	switch classified.Kind {
	case FailureCaptcha:
		tryAgain := s.captchaShown
		s.captchaShown = true
		s.captchaID = classified.Captcha.ID
		s.state = StateCaptcha
		data := map[string]any{
			"id":       classified.Captcha.ID,
			"url":      classified.Captcha.URL,
			"tryAgain": tryAgain,
		}
		if tryAgain {
			data["message"] = MsgCaptchaTryAgain
		}
		s.emit(EventCaptcha, data)
	case FailureAbuseFilter:
		s.captchaID = ""
		s.filterLocked = classified.Filter.Severity == "disallow"
		s.state = StateAbuseFilter
		s.emit(EventAbuseFilter, map[string]any{
			"severity": classified.Filter.Severity,
			"message":  classified.Filter.Message,
			"locked":   s.filterLocked,
		})
	case FailureConflict:
		s.captchaID = ""
		s.state = StateConflict
		s.emit(EventSaveFailed, map[string]any{
			"kind":    string(FailureConflict),
			"message": MsgErrorConflict,
		})
	case FailureKnownServer:
		s.captchaID = ""
		s.state = StateFailed
		s.emit(EventSaveFailed, map[string]any{
			"kind":     string(FailureKnownServer),
			"message":  classified.Message,
			"verbatim": true,
		})
	default:
		s.captchaID = ""
		s.state = StateFailed
		s.emit(EventSaveFailed, map[string]any{
			"kind":    string(FailureGeneric),
			"message": MsgError,
		})
	}
}

// SwitchKind changes the editing surface and is gated behind a confirmation
// once the content is dirty.
func (s *Session) SwitchKind(kind Kind, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEditing {
		return &StateError{Op: "switch editor", State: s.state}
	}
	if kind == s.kind {
		return nil
	}
	if s.tracker.IsDirty(s.text) && !confirmed {
		s.confirmAborted = true
		return ErrConfirmRequired
	}
	s.confirmAborted = false
	s.kind = kind
	s.emit(EventEditorSwitch, map[string]any{"delegate": DelegateFor(kind)})
	return nil
}

// Close tears the session down. Requires confirmation when dirty unless
// forced; while a save is in flight the close is deferred until the save
// settles.
func (s *Session) Close(force, confirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil
	case StateSaving:
		s.closeRequested = true
		return ErrSaveInFlight
	}
	if !force && s.tracker.IsDirty(s.text) && !confirmed {
		return ErrConfirmRequired
	}
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	s.cancelPendingLocked()
	s.captchaID = ""
	s.closeRequested = false
	s.state = StateClosed
	s.emit(EventClosed, nil)
}

// CancelPending aborts whatever gateway request is in flight without
// changing state.
func (s *Session) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked()
}

func (s *Session) beginLocked(ctx context.Context) (context.Context, *pendingCall) {
	callCtx, cancel := context.WithCancel(ctx)
	call := &pendingCall{cancel: cancel}
	s.pending = call
	return callCtx, call
}

// settleLocked reports whether call is still the session's outstanding
// request. A cancelled or superseded call's result must be discarded.
func (s *Session) settleLocked(call *pendingCall) bool {
	if s.pending != call {
		return false
	}
	s.pending = nil
	return true
}

func (s *Session) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
}

func (s *Session) emit(eventType string, data map[string]any) {
	s.events = append(s.events, Event{Type: eventType, Data: data})
}

// DrainEvents returns and clears the buffered render instructions.
func (s *Session) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func editable(state State) bool {
	switch state {
	case StateEditing, StateCaptcha, StateAbuseFilter, StateConflict, StateFailed:
		return true
	}
	return false
}

// retryable states keep the proceed/save controls enabled even though the
// content has not changed since the failed attempt.
func retryable(state State) bool {
	switch state {
	case StateCaptcha, StateAbuseFilter, StateConflict, StateFailed:
		return true
	}
	return false
}

// View is a point-in-time snapshot of the session for the shell.
type View struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Section        *int     `json:"section,omitempty"`
	State          State    `json:"state"`
	Kind           Kind     `json:"kind"`
	Delegate       Delegate `json:"delegate"`
	Text           string   `json:"text"`
	Dirty          bool     `json:"dirty"`
	ReadOnly       bool     `json:"readOnly"`
	CanProceed     bool     `json:"canProceed"`
	SummaryLine    string   `json:"summaryLine,omitempty"`
	LastSummary    string   `json:"lastSummary,omitempty"`
	PreviewBody    string   `json:"previewBody,omitempty"`
	CaptchaID      string   `json:"captchaId,omitempty"`
	ConfirmAborted bool     `json:"confirmAborted"`
	ScrollTop      int      `json:"scrollTop"`
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.tracker.IsDirty(s.text)
	return View{
		ID:             s.ID,
		Title:          s.cfg.Title,
		Section:        s.cfg.Section,
		State:          s.state,
		Kind:           s.kind,
		Delegate:       DelegateFor(s.kind),
		Text:           s.text,
		Dirty:          dirty,
		ReadOnly:       s.cfg.IsReadOnly,
		CanProceed:     !s.filterLocked && (dirty || retryable(s.state)),
		SummaryLine:    s.summaryLine,
		LastSummary:    s.lastSummary,
		PreviewBody:    s.previewBody,
		CaptchaID:      s.captchaID,
		ConfirmAborted: s.confirmAborted,
		ScrollTop:      s.scrollTop,
	}
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
