package editor

import "testing"

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"History", "History"},
		{"<i>History</i>", "History"},
		{"<span class=\"mw-headline\">Early <b>life</b></span>", "Early life"},
		{"Fish &amp; chips", "Fish & chips"},
		{"  <i> padded </i>  ", "padded"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := StripMarkup(tc.in); got != tc.want {
			t.Errorf("StripMarkup(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInertLinks(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"anchor href moves to data attribute",
			`<a href="/wiki/Fish">Fish</a>`,
			`<a data-href="/wiki/Fish">Fish</a>`,
		},
		{
			"other tags untouched",
			`<img href="x"><link href="y">`,
			`<img href="x"><link href="y">`,
		},
		{
			"multiple anchors",
			`<a href="/a">a</a> and <a href="/b">b</a>`,
			`<a data-href="/a">a</a> and <a data-href="/b">b</a>`,
		},
		{
			"anchor with extra attributes",
			`<a class="ext" href="http://x.test" rel="nofollow">x</a>`,
			`<a class="ext" data-href="http://x.test" rel="nofollow">x</a>`,
		},
		{
			"bare anchor without href",
			`<a>plain</a>`,
			`<a>plain</a>`,
		},
		{
			"unterminated tag passes through",
			`before <a href="/x`,
			`before <a href="/x`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InertLinks(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChangeTracker(t *testing.T) {
	var tracker ChangeTracker
	if tracker.IsDirty("anything") {
		t.Fatal("nothing is dirty before the baseline is set")
	}
	tracker.SetBaseline("original")
	if tracker.IsDirty("original") {
		t.Fatal("unchanged content must not be dirty")
	}
	if !tracker.IsDirty("original!") {
		t.Fatal("changed content must be dirty")
	}
	if tracker.IsDirty("original") {
		t.Fatal("reverting to the baseline clears dirtiness")
	}
}
