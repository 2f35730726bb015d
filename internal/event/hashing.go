package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/inkbrow/capi-relay/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ContactFields is raw contact data typed by the visitor. It never leaves
// this package unhashed.
type ContactFields struct {
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Hash returns the lowercase hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashContact normalizes every field and hashes the ones that survive.
// Fields that are empty or invalid after normalization get no key at all.
func HashContact(c ContactFields) map[string]string {
	out := make(map[string]string, 8)
	put := func(key, normalized string) {
		if normalized != "" {
			out[key] = Hash(normalized)
		}
	}
	put(domain.ContactEmail, NormalizeEmail(c.Email))
	put(domain.ContactPhone, NormalizePhone(c.Phone))
	put(domain.ContactFirstName, normalizeText(c.FirstName))
	put(domain.ContactLastName, normalizeText(c.LastName))
	put(domain.ContactCity, normalizeText(c.City))
	put(domain.ContactRegion, normalizeText(c.Region))
	put(domain.ContactPostalCode, NormalizePostalCode(c.PostalCode))
	put(domain.ContactCountry, NormalizeCountry(c.Country))
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeText trims, composes to NFC and lowercases. A Caser keeps state,
// so one is built per call.
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Lower(language.Und).String(norm.NFC.String(s))
}

// NormalizeEmail returns "" unless s has exactly one @ with text on both
// sides.
func NormalizeEmail(s string) string {
	s = normalizeText(s)
	local, host, ok := strings.Cut(s, "@")
	if !ok || local == "" || host == "" || strings.Contains(host, "@") {
		return ""
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return ""
	}
	return s
}

// NormalizePhone keeps only ASCII digits, country code included.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePostalCode lowercases and removes all whitespace.
func NormalizePostalCode(s string) string {
	return strings.Join(strings.Fields(normalizeText(s)), "")
}

// NormalizeCountry accepts only a two-letter code.
func NormalizeCountry(s string) string {
	s = normalizeText(s)
	if len(s) != 2 {
		return ""
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return ""
		}
	}
	return s
}

// HashExternalID hashes a visitor id the same way contact fields are hashed.
func HashExternalID(id string) string {
	id = normalizeText(id)
	if id == "" {
		return ""
	}
	return Hash(id)
}
