package editor

// Delegate describes the editing surface the shell must activate for an
// editor kind. The session state machine never varies by kind; this is the
// only per-kind piece.
type Delegate struct {
	Kind Kind `json:"kind"`
	// Surface is the shell module that renders the editing area.
	Surface string `json:"surface"`
	// SyntaxHelp enables the auxiliary wikitext toolbar.
	SyntaxHelp bool `json:"syntaxHelp"`
}

func DelegateFor(kind Kind) Delegate {
	switch kind {
	case KindVisual:
		return Delegate{Kind: kind, Surface: "mobile-editor/visual"}
	case KindEnhancedSource:
		return Delegate{Kind: kind, Surface: "mobile-editor/source", SyntaxHelp: true}
	default:
		return Delegate{Kind: KindSource, Surface: "mobile-editor/source"}
	}
}
