package event

import (
	"testing"

	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestHash_KnownDigest(t *testing.T) {
	// sha256("test@example.com")
	assert.Equal(t, "973dfe463ec85785f5f95af5ba3906eedb2d931c24e69824a89ea65dba4e813b", Hash("test@example.com"))
}

func TestHashContact_NormalizationIsDeterministic(t *testing.T) {
	a := HashContact(ContactFields{Email: "  Test@Example.com "})
	b := HashContact(ContactFields{Email: "test@example.com"})

	assert.Equal(t, a, b)
	assert.Equal(t, Hash("test@example.com"), a[domain.ContactEmail])
}

func TestHashContact_OmitsEmptyFields(t *testing.T) {
	got := HashContact(ContactFields{Email: "Jane@Test.com", Phone: ""})

	assert.Len(t, got, 1)
	assert.Contains(t, got, domain.ContactEmail)
	assert.NotContains(t, got, domain.ContactPhone)
}

func TestHashContact_NothingUsable(t *testing.T) {
	assert.Nil(t, HashContact(ContactFields{Email: "not-an-email", Phone: "()", Country: "Brazil"}))
}

func TestHashContact_AllFields(t *testing.T) {
	got := HashContact(ContactFields{
		Email:      "Ana@Studio.com.br",
		Phone:      "+55 (11) 98765-4321",
		FirstName:  " Ána ",
		LastName:   "D'Ávila",
		City:       "São Paulo",
		Region:     "SP",
		PostalCode: "01310 100",
		Country:    "BR",
	})

	assert.Equal(t, Hash("ana@studio.com.br"), got[domain.ContactEmail])
	assert.Equal(t, Hash("5511987654321"), got[domain.ContactPhone])
	assert.Equal(t, Hash("ána"), got[domain.ContactFirstName])
	assert.Equal(t, Hash("d'ávila"), got[domain.ContactLastName])
	assert.Equal(t, Hash("são paulo"), got[domain.ContactCity])
	assert.Equal(t, Hash("sp"), got[domain.ContactRegion])
	assert.Equal(t, Hash("01310100"), got[domain.ContactPostalCode])
	assert.Equal(t, Hash("br"), got[domain.ContactCountry])
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Jane@Test.com", "jane@test.com"},
		{"  a@b ", "a@b"},
		{"no-at-sign", ""},
		{"@domain.com", ""},
		{"local@", ""},
		{"two@@at.com", ""},
		{"a@b@c", ""},
		{"with space@x.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEmail(tt.in))
		})
	}
}

func TestNormalizeText_ComposesUnicode(t *testing.T) {
	// "e" + combining acute accent composes to the single code point é.
	assert.Equal(t, "jos\u00e9", normalizeText("JOSE\u0301"))
	assert.Equal(t, HashContact(ContactFields{FirstName: "Jos\u00e9"}), HashContact(ContactFields{FirstName: "Jose\u0301"}))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5511987654321", NormalizePhone("+55 11 98765-4321"))
	assert.Equal(t, "", NormalizePhone("+-() "))
}

func TestNormalizeCountry(t *testing.T) {
	assert.Equal(t, "br", NormalizeCountry(" BR "))
	assert.Equal(t, "", NormalizeCountry("BRA"))
	assert.Equal(t, "", NormalizeCountry("b1"))
}

func TestHashExternalID(t *testing.T) {
	assert.Equal(t, "", HashExternalID(""))
	assert.Equal(t, Hash("abc-123"), HashExternalID("ABC-123"))
}
