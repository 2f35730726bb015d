package identity

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/domain"
)

const (
	clickPrefix = "fb.1."
	// Query parameter carrying the ad click id.
	clickParam = "fbclid"

	maxExternalIDLen = 128
	maxClickIDLen    = 512
)

var attributionParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "landing_page", "referrer",
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator replaces the uuid generator used for new external ids.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) { r.newID = gen }
}

// Resolver maps request cookies and query parameters to a visitor identity.
// It is safe for concurrent use.
type Resolver struct {
	cfg   config.CookieConfig
	now   func() time.Time
	newID func() string
}

// NewResolver creates a Resolver for the given cookie settings.
func NewResolver(cfg config.CookieConfig, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is the result of resolving one request.
type Resolution struct {
	Identity    domain.VisitorIdentity
	Attribution domain.Attribution
	// Cookies must be written to the response for the identity to persist.
	Cookies []*http.Cookie
}

// Apply writes every pending cookie to w.
func (res Resolution) Apply(w http.ResponseWriter) {
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}
}

// Resolve never fails: malformed cookies are treated as absent and replaced.
func (r *Resolver) Resolve(cookies []*http.Cookie, query url.Values) Resolution {
	jar := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if _, seen := jar[c.Name]; !seen {
			jar[c.Name] = c.Value
		}
	}

	var res Resolution

	if id := jar[r.cfg.ExternalIDName]; validExternalID(id) {
		res.Identity.ExternalID = id
	} else {
		res.Identity.ExternalID = r.newID()
		res.Cookies = append(res.Cookies, r.cookie(r.cfg.ExternalIDName, res.Identity.ExternalID, r.cfg.ExternalIDTTL(), true))
	}

	existing := jar[r.cfg.ClickIDName]
	if existing != "" && clickIDOf(existing) == "" {
		existing = ""
	}
	if clickID := sanitizeClickID(query.Get(clickParam)); clickID != "" {
		if clickIDOf(existing) == clickID {
			// Same click reloaded: keep the first-observed timestamp.
			res.Identity.ClickAttribution = existing
		} else {
			res.Identity.ClickAttribution = clickPrefix + strconv.FormatInt(r.now().UnixMilli(), 10) + "." + clickID
			res.Cookies = append(res.Cookies, r.cookie(r.cfg.ClickIDName, res.Identity.ClickAttribution, r.cfg.ClickIDTTL(), false))
		}
	} else {
		res.Identity.ClickAttribution = existing
	}

	res.Identity.BrowserPixelID = strings.TrimSpace(jar[r.cfg.BrowserIDName])

	if attr, ok := decodeAttribution(jar[r.cfg.AttributionName]); ok {
		res.Attribution = attr
	} else if attr := attributionFromQuery(query); !attr.IsZero() {
		res.Attribution = attr
		res.Cookies = append(res.Cookies, r.cookie(r.cfg.AttributionName, encodeAttribution(attr), 0, true))
	}

	return res
}

// ResolveRequest resolves the cookies and query string of r.
func (r *Resolver) ResolveRequest(req *http.Request) Resolution {
	return r.Resolve(req.Cookies(), req.URL.Query())
}

// cookie builds a first-party cookie. A zero ttl makes a session cookie.
func (r *Resolver) cookie(name, value string, ttl time.Duration, httpOnly bool) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   r.cfg.Domain,
		Secure:   r.cfg.Secure,
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
		c.Expires = r.now().Add(ttl).UTC()
	}
	return c
}

func validExternalID(id string) bool {
	if id == "" || len(id) > maxExternalIDLen {
		return false
	}
	for _, ch := range id {
		if !isTokenChar(ch) {
			return false
		}
	}
	return true
}

// clickIDOf extracts the fbclid from an fbc token, or "" if the token is
// malformed.
func clickIDOf(token string) string {
	if !strings.HasPrefix(token, clickPrefix) {
		return ""
	}
	parts := strings.SplitN(token[len(clickPrefix):], ".", 2)
	if len(parts) != 2 {
		return ""
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return ""
	}
	return sanitizeClickID(parts[1])
}

// sanitizeClickID rejects click ids with characters outside the set the ad
// platform issues, so a crafted query cannot inject cookie syntax.
func sanitizeClickID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxClickIDLen {
		return ""
	}
	for _, ch := range id {
		if !isTokenChar(ch) {
			return ""
		}
	}
	return id
}

func isTokenChar(ch rune) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '-' || ch == '_'
}

func attributionFromQuery(q url.Values) domain.Attribution {
	get := func(k string) string { return strings.TrimSpace(q.Get(k)) }
	return domain.Attribution{
		Source:      get("utm_source"),
		Medium:      get("utm_medium"),
		Campaign:    get("utm_campaign"),
		Term:        get("utm_term"),
		Content:     get("utm_content"),
		GoogleClick: get("gclid"),
		LandingPage: get("landing_page"),
		Referrer:    get("referrer"),
	}
}

func encodeAttribution(a domain.Attribution) string {
	v := url.Values{}
	for k, val := range a.Params() {
		v.Set(k, val)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

func decodeAttribution(raw string) (domain.Attribution, bool) {
	if raw == "" {
		return domain.Attribution{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return domain.Attribution{}, false
	}
	q, err := url.ParseQuery(string(b))
	if err != nil {
		return domain.Attribution{}, false
	}
	for k := range q {
		if !isAttributionParam(k) {
			return domain.Attribution{}, false
		}
	}
	attr := attributionFromQuery(q)
	return attr, !attr.IsZero()
}

func isAttributionParam(k string) bool {
	for _, p := range attributionParams {
		if p == k {
			return true
		}
	}
	return false
}
