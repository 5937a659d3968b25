package store

import "time"

type Account struct {
	ID        string
	Name      string
	// Cohort is the experimental group the account opted into, empty for
	// none.
	Cohort    string
	CreatedAt time.Time
}

// TrackedEdit is one successful save made through this surface.
type TrackedEdit struct {
	ID        string
	AccountID string
	Title     string
	Section   *int
	Summary   string
	CreatedAt time.Time
}
