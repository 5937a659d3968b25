package editor

// ChangeTracker knows whether user-visible content has diverged from the
// loaded baseline. It gates destructive actions (close, editor switch) and
// the proceed control.
type ChangeTracker struct {
	baseline string
	loaded   bool
}

// SetBaseline records the content the editor was loaded with. Until the
// baseline is set nothing counts as dirty.
func (t *ChangeTracker) SetBaseline(text string) {
	t.baseline = text
	t.loaded = true
}

func (t *ChangeTracker) IsDirty(current string) bool {
	return t.loaded && current != t.baseline
}
