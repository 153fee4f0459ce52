// Package access evaluates capability links: share URLs whose query
// parameters scope what the holder may see and do. The policy is fixed
// at parse time and consulted locally; there is no account system.
package access

import (
	"net/url"
	"strconv"
	"strings"

	"easel/collab/internal/deck"
)

// Policy is the capability carried by a share link. The zero value is
// the owner policy: every slide visible, editing allowed.
type Policy struct {
	// ReadOnly blocks every mutating operation when set.
	ReadOnly bool
	// Visible holds the slide ids the holder may see. nil means all
	// slides; an empty non-nil set means none.
	Visible map[string]bool
	// Restricted reports whether the link carried any capability
	// parameters at all.
	Restricted bool
}

// ParseCapability reads the capability parameters from a share link's
// query. "slides" is a comma-separated id list limiting visibility. A
// link carrying any capability parameter is read-only unless it also
// grants "edit=true"; a link with no parameters is the owner link.
func ParseCapability(q url.Values) Policy {
	var p Policy
	if raw, ok := q["slides"]; ok && len(raw) > 0 {
		p.Restricted = true
		p.Visible = make(map[string]bool)
		for _, part := range strings.Split(raw[0], ",") {
			id := strings.TrimSpace(part)
			if id != "" {
				p.Visible[id] = true
			}
		}
	}
	if q.Get("edit") != "" {
		p.Restricted = true
	}
	if p.Restricted {
		allowed, err := strconv.ParseBool(q.Get("edit"))
		if err != nil || !allowed {
			p.ReadOnly = true
		}
	}
	return p
}

// ParseCapabilityURL parses the capability from a full share link.
func ParseCapabilityURL(link string) (Policy, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Policy{}, err
	}
	return ParseCapability(u.Query()), nil
}

// CanSee reports whether the policy allows the given slide.
func (p Policy) CanSee(slideID string) bool {
	if p.Visible == nil {
		return true
	}
	return p.Visible[slideID]
}

// CanEdit reports whether mutating operations are allowed.
func (p Policy) CanEdit() bool {
	return !p.ReadOnly
}

// VisibleSlides filters slides down to those the policy allows,
// preserving order. With no visibility restriction the input is
// returned unchanged.
func (p Policy) VisibleSlides(slides []deck.Slide) []deck.Slide {
	if p.Visible == nil {
		return slides
	}
	out := make([]deck.Slide, 0, len(slides))
	for _, s := range slides {
		if p.Visible[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
