package editor

import (
	"errors"

	"pocketwiki/api/internal/gateway"
)

type FailureKind string

const (
	FailureCaptcha     FailureKind = "captcha"
	FailureAbuseFilter FailureKind = "abusefilter"
	FailureConflict    FailureKind = "editconflict"
	FailureKnownServer FailureKind = "server"
	FailureGeneric     FailureKind = "generic"
)

// Classified is a save failure reduced to one category plus the data needed
// to render it. Classification happens once, here; downstream code reads the
// variant and never re-inspects the raw response.
type Classified struct {
	Kind    FailureKind
	Captcha *gateway.CaptchaChallenge
	Filter  *gateway.FilterHit
	// Message is the server's explanatory text, forwarded verbatim for
	// the allow-listed error codes.
	Message string
}

// Error codes whose server-provided info text is shown to the user as-is.
var knownErrorCodes = map[string]struct{}{
	"readonly":    {},
	"blocked":     {},
	"autoblocked": {},
}

// Classify maps a save error to its failure category. Marker priority is
// fixed: captcha, then edit filter, then conflict, then the server-code
// allow-list, else generic. A response could in theory carry more than one
// marker; only the highest-priority one wins.
func Classify(err error) Classified {
	var failure *gateway.SaveFailure
	if !errors.As(err, &failure) || failure == nil {
		return Classified{Kind: FailureGeneric}
	}

	if failure.Captcha != nil {
		return Classified{Kind: FailureCaptcha, Captcha: failure.Captcha}
	}
	if failure.AbuseFilter != nil {
		return Classified{Kind: FailureAbuseFilter, Filter: failure.AbuseFilter}
	}
	if failure.Code == "editconflict" {
		return Classified{Kind: FailureConflict}
	}
	if _, known := knownErrorCodes[failure.Code]; known && failure.Info != "" {
		return Classified{Kind: FailureKnownServer, Message: failure.Info}
	}
	return Classified{Kind: FailureGeneric}
}
