package domain

// VisitorIdentity identifies one browser across sessions. Every field may be
// empty; consumers must tolerate partial identity.
type VisitorIdentity struct {
	// ExternalID is generated once and kept in a long-lived first-party cookie.
	ExternalID string `json:"external_id,omitempty"`
	// ClickAttribution is the fbc token: fb.1.<first seen ms>.<fbclid>.
	ClickAttribution string `json:"fbc,omitempty"`
	// BrowserPixelID is the fbp value written by the pixel library itself.
	BrowserPixelID string `json:"fbp,omitempty"`
}

// Attribution holds the campaign parameters captured on the first page view
// of a session. They are replayed on every later event of that session.
type Attribution struct {
	Source      string `json:"utm_source,omitempty"`
	Medium      string `json:"utm_medium,omitempty"`
	Campaign    string `json:"utm_campaign,omitempty"`
	Term        string `json:"utm_term,omitempty"`
	Content     string `json:"utm_content,omitempty"`
	GoogleClick string `json:"gclid,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
}

// IsZero reports whether no parameter was captured.
func (a Attribution) IsZero() bool { return a == Attribution{} }

// Params returns the populated parameters keyed by their query-string name.
func (a Attribution) Params() map[string]string {
	out := make(map[string]string, 8)
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("utm_source", a.Source)
	add("utm_medium", a.Medium)
	add("utm_campaign", a.Campaign)
	add("utm_term", a.Term)
	add("utm_content", a.Content)
	add("gclid", a.GoogleClick)
	add("landing_page", a.LandingPage)
	add("referrer", a.Referrer)
	return out
}
