// Package engage decides what follows a successful save: the engagement
// panel that nudges a new editor to keep going, or a plain acknowledgement.
package engage

import "pocketwiki/api/internal/editor"

// Policy is the site-wide configuration of the engagement flow.
type Policy struct {
	// Enabled is the site feature flag; nothing shows while it is off.
	Enabled bool
	// Campaign is the referral tag that qualifies a session regardless of
	// edit count.
	Campaign string
}

// Input is the per-session data the decision depends on, snapshotted at
// session open.
type Input struct {
	CohortMember    bool
	EditCountAtOpen int
	Campaign        string
	IsNewPage       bool
	IsNewEditor     bool
}

// Outcome is exactly one acknowledgement: the panel or a toast, never both.
type Outcome struct {
	ShowPanel bool   `json:"showPanel"`
	Message   string `json:"message,omitempty"`
	Landmark  bool   `json:"landmark,omitempty"`
}

// Decide applies the policy. The panel shows only for opt-in cohort members
// while the site flag is on, and only for a first tracked edit or a session
// opened through the referral campaign. Callers invoke this once per
// successful non-main-page save.
func (p Policy) Decide(in Input) Outcome {
	if p.Enabled && in.CohortMember &&
		(in.EditCountAtOpen == 0 || (p.Campaign != "" && in.Campaign == p.Campaign)) {
		return Outcome{ShowPanel: true}
	}

	switch {
	case in.IsNewPage:
		return Outcome{Message: editor.MsgSuccessNewPage}
	case in.IsNewEditor:
		return Outcome{Message: editor.MsgSuccessLandmark, Landmark: true}
	default:
		return Outcome{Message: editor.MsgSuccess}
	}
}
