package access

import (
	"net/url"
	"testing"

	"easel/collab/internal/deck"
)

func slideIDs(slides []deck.Slide) []string {
	out := make([]string, 0, len(slides))
	for _, s := range slides {
		out = append(out, s.ID)
	}
	return out
}

func TestParseCapability(t *testing.T) {
	abc := []deck.Slide{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	tests := []struct {
		name        string
		query       string
		wantVisible []string
		wantEdit    bool
		restricted  bool
	}{
		{
			name:        "no token sees everything and edits",
			query:       "",
			wantVisible: []string{"a", "b", "c"},
			wantEdit:    true,
			restricted:  false,
		},
		{
			name:        "visible subset read only",
			query:       "slides=a,c&edit=false",
			wantVisible: []string{"a", "c"},
			wantEdit:    false,
			restricted:  true,
		},
		{
			name:        "visible subset with edit",
			query:       "slides=b&edit=true",
			wantVisible: []string{"b"},
			wantEdit:    true,
			restricted:  true,
		},
		{
			name:        "read only without slide restriction",
			query:       "edit=false",
			wantVisible: []string{"a", "b", "c"},
			wantEdit:    false,
			restricted:  true,
		},
		{
			name:        "unparseable edit value denies editing",
			query:       "edit=sure",
			wantVisible: []string{"a", "b", "c"},
			wantEdit:    false,
			restricted:  true,
		},
		{
			name:        "restricted link without edit grant is read only",
			query:       "slides=a,c",
			wantVisible: []string{"a", "c"},
			wantEdit:    false,
			restricted:  true,
		},
		{
			name:        "whitespace and empty entries ignored",
			query:       "slides=a,+,c,&edit=true",
			wantVisible: []string{"a", "c"},
			wantEdit:    true,
			restricted:  true,
		},
		{
			name:        "unknown slide ids match nothing",
			query:       "slides=z",
			wantVisible: []string{},
			wantEdit:    false,
			restricted:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			p := ParseCapability(q)
			if p.Restricted != tt.restricted {
				t.Errorf("Restricted = %v, want %v", p.Restricted, tt.restricted)
			}
			if p.CanEdit() != tt.wantEdit {
				t.Errorf("CanEdit = %v, want %v", p.CanEdit(), tt.wantEdit)
			}
			got := slideIDs(p.VisibleSlides(abc))
			if len(got) != len(tt.wantVisible) {
				t.Fatalf("visible = %v, want %v", got, tt.wantVisible)
			}
			for i := range got {
				if got[i] != tt.wantVisible[i] {
					t.Fatalf("visible = %v, want %v", got, tt.wantVisible)
				}
			}
		})
	}
}

func TestParseCapabilityURL(t *testing.T) {
	p, err := ParseCapabilityURL("https://easel.example/deck/d1?slides=a,c&edit=false")
	if err != nil {
		t.Fatal(err)
	}
	if !p.ReadOnly {
		t.Error("expected read-only policy")
	}
	if !p.CanSee("a") || p.CanSee("b") || !p.CanSee("c") {
		t.Errorf("visibility = %+v", p.Visible)
	}

	if _, err := ParseCapabilityURL("://bad"); err == nil {
		t.Error("expected parse error")
	}
}

func TestCanSeeUnrestricted(t *testing.T) {
	var p Policy
	if !p.CanSee("anything") {
		t.Error("zero policy must see every slide")
	}
	if !p.CanEdit() {
		t.Error("zero policy must allow editing")
	}
}
