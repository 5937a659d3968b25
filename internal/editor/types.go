// Package editor owns the editing-session state machine: it sequences
// content load, preview, save and the recovery paths a collaborative wiki
// save can take (captcha, edit filter, conflict), and emits the events the
// page shell renders from.
package editor

import (
	"context"
	"errors"
	"fmt"

	"pocketwiki/api/internal/gateway"
)

// Kind selects the editing surface the shell drives. The state machine is
// the same for every kind; only the delegate differs.
type Kind string

const (
	KindSource         Kind = "source"
	KindVisual         Kind = "visual"
	KindEnhancedSource Kind = "enhanced-source"
)

func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindSource, KindVisual, KindEnhancedSource:
		return Kind(value), true
	}
	return "", false
}

type State string

const (
	StateAnonWarning State = "anon-warning"
	StateLoading     State = "loading"
	StateEditing     State = "editing"
	StatePreviewing  State = "previewing"
	StateSaving      State = "saving"
	StateSuccess     State = "success"
	StateCaptcha     State = "captcha-required"
	StateAbuseFilter State = "abusefilter-blocked"
	StateConflict    State = "conflict"
	StateFailed      State = "save-failed"
	StateLoadFailed  State = "load-failed"
	StateClosed      State = "closed"
)

// SessionConfig is fixed at session creation. Nothing here mutates during
// the session's lifetime.
type SessionConfig struct {
	Title       string
	Section     *int
	Kind        Kind
	BaseRevID   int64
	IsAnonymous bool
	IsNewPage   bool
	IsReadOnly  bool
	IsMainPage  bool

	AccountID       string
	AccountName     string
	CohortMember    bool
	Campaign        string
	EditCountAtOpen int
}

// Gateway is the slice of the upstream client the session needs.
type Gateway interface {
	FetchContent(ctx context.Context, req gateway.ContentRequest) (string, error)
	FetchPreview(ctx context.Context, req gateway.PreviewRequest) (gateway.Preview, error)
	SubmitSave(ctx context.Context, req gateway.SaveRequest) (gateway.SaveResult, error)
}

// Event is a render instruction for the page shell. Data keys are part of
// the shell contract.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	EventLoaded        = "loaded"
	EventLoadFailed    = "load-failed"
	EventPreviewReady  = "preview-ready"
	EventPreviewFailed = "preview-failed"
	EventBack          = "back"
	EventSaving        = "saving"
	EventSaved         = "saved"
	EventNavigate      = "navigate"
	EventCaptcha       = "captcha"
	EventAbuseFilter   = "abuse-filter"
	EventSaveFailed    = "save-failed"
	EventEditorSwitch  = "editor-switched"
	EventClosed        = "closed"
)

// Message keys the shell resolves to localized text.
const (
	MsgErrorLoading    = "editor-error-loading"
	MsgErrorPreview    = "editor-error-preview"
	MsgErrorConflict   = "editor-error-conflict"
	MsgError           = "editor-error"
	MsgCancelConfirm   = "editor-cancel-confirm"
	MsgNewPageConfirm  = "editor-new-page-confirm"
	MsgCaptchaTryAgain = "editor-captcha-try-again"
	MsgSuccess         = "editor-success"
	MsgSuccessNewPage  = "editor-success-new-page"
	MsgSuccessLandmark = "editor-success-landmark"
)

var (
	// ErrConfirmRequired aborts a gated transition the caller has not
	// confirmed. It is a no-op, not a failure.
	ErrConfirmRequired = errors.New("editor: confirmation required")
	// ErrSaveInFlight rejects or defers operations while a save is
	// outstanding.
	ErrSaveInFlight = errors.New("editor: save in flight")
	// ErrSuperseded marks a gateway response that arrived after the
	// session moved on; the result was discarded.
	ErrSuperseded = errors.New("editor: request superseded")
	ErrReadOnly   = errors.New("editor: session is read-only")
	ErrClosed     = errors.New("editor: session closed")
	// ErrFilterLocked blocks resubmission after a hard filter hit until
	// the content changes.
	ErrFilterLocked = errors.New("editor: blocked by edit filter until content changes")
	ErrNotDirty     = errors.New("editor: nothing changed yet")
)

// StateError reports an operation invoked from a state that does not allow
// it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("editor: cannot %s in state %s", e.Op, e.State)
}
