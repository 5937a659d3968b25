package gateway

import "fmt"

// Preview is the rendered result of a preview request.
type Preview struct {
	Body        string
	SectionLine string
}

type ContentRequest struct {
	Title string
	// Section is nil for non-wikitext content models where the whole page
	// is edited at once.
	Section *int
	// Revision pins the fetch to an old revision (read-only sessions).
	// Zero means head.
	Revision int64
	// IsNewPage turns a missing-page response into empty content instead
	// of an error.
	IsNewPage bool
}

type PreviewRequest struct {
	Title string
	Text  string
	// IsMainPage is sent as a presence flag: the upstream API distinguishes
	// an absent parameter from mainpage=0.
	IsMainPage bool
}

type SaveRequest struct {
	Title          string
	Section        *int
	Text           string
	Summary        string
	BaseRevisionID int64
	CaptchaID      string
	CaptchaWord    string
	IsMainPage     bool
}

type SaveResult struct {
	NewRevisionID int64
}

// CaptchaChallenge is the human-verification challenge attached to a
// rejected save.
type CaptchaChallenge struct {
	ID  string
	URL string
}

// FilterHit is the edit-filter marker attached to a rejected save.
// Severity is "warning" (resubmittable) or "disallow" (hard block).
type FilterHit struct {
	Severity string
	Message  string
}

// SaveFailure carries the raw markers of a rejected save. The gateway only
// surfaces what the API returned; turning this into a user-facing failure
// category is the editor's job.
type SaveFailure struct {
	Captcha     *CaptchaChallenge
	AbuseFilter *FilterHit
	Code        string
	Info        string
}

func (f *SaveFailure) Error() string {
	if f == nil {
		return ""
	}
	switch {
	case f.Captcha != nil:
		return "save rejected: captcha required"
	case f.AbuseFilter != nil:
		return fmt.Sprintf("save rejected: abuse filter (%s)", f.AbuseFilter.Severity)
	case f.Code != "":
		return fmt.Sprintf("save rejected: %s: %s", f.Code, f.Info)
	}
	return "save rejected"
}
