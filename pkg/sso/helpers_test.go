package sso

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idhub/pkg/config"
	"github.com/platinummonkey/idhub/pkg/storage"
)

func sampleOIDC(scheme string) *OIDCProvider {
	p := NewOIDCProvider()
	p.Scheme = scheme
	p.DisplayName = "Provider " + scheme
	p.Authority = "https://login.example.com/" + scheme
	p.ClientID = "client-" + scheme
	p.ClientSecret = "secret-" + scheme
	return p
}

func sampleSAML(scheme string) *SAMLProvider {
	p := NewSAMLProvider()
	p.Scheme = scheme
	p.DisplayName = "Provider " + scheme
	p.SpEntityID = "https://idhub.example.com/saml"
	p.IdpEntityID = "https://idp.example.com/" + scheme
	p.IdpSingleSignOnURL = "https://idp.example.com/" + scheme + "/sso"
	p.IdpCertificate = testIdPCertificate
	p.WantAssertionsSigned = false
	return p
}

// testIdPCertificate is a self-signed signing certificate valid until 2126.
const testIdPCertificate = `-----BEGIN CERTIFICATE-----
MIIDFzCCAf+gAwIBAgIUM86jzxNlcjhFbQEJ4jMYiE9xcvwwDQYJKoZIhvcNAQEL
BQAwGjEYMBYGA1UEAwwPaWRwLmV4YW1wbGUuY29tMCAXDTI2MTAxNzAyNTYxOVoY
DzIxMjYwOTIzMDI1NjE5WjAaMRgwFgYDVQQDDA9pZHAuZXhhbXBsZS5jb20wggEi
MA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDb56bydjzo100ZsvgHAfc5fHjQ
dMyyhH9umfw7MtzvrkW/HOZT/BJXEGFs57ST8axn6HUT0ELLvPguzgdsQKY2bJDr
ZUsmGz9RWdxsdjhkfaW9RHTOJOJ7Y3lx+ljhYji6leVUWj1o+wfNby4dmqachtMq
oUqHNVNgP8TsgpeXMfdatv/Xvz9YYtf5V5g93yXc9qLVKQ/KKISWRH6D+nwFrKeR
hEGxiBiNd91kZ9Uwzr5zEdSCRZ2a+ItNOl2+7W1agnroMv66BURmqpmyc8SZCZOB
UZ5uRGYhtik65n/MhmOyYLD8RNpLRqvkBxEyrlfpYKtNRt8O7l/9e2NjOMTJAgMB
AAGjUzBRMB0GA1UdDgQWBBTEY4RkXg9U88pIXNBmQyqvvRKVdDAfBgNVHSMEGDAW
gBTEY4RkXg9U88pIXNBmQyqvvRKVdDAPBgNVHRMBAf8EBTADAQH/MA0GCSqGSIb3
DQEBCwUAA4IBAQAcNdEPMzUTZqIhrq+j+qxpJHbVKICfreB3eoj9egxmCa6PzMc7
6p16fhHRrMVD4bLttPiSffpG+dj9qtQoIpmC2sGJH3fujNoS1RBtzB1sJDAEppHR
MTwq9qQfcp6SADcO2K0gOfWngTpMH5kFHceMlOLJ9tMThiZ+Gw4ND4fHy9DDubJ1
A/zlK4mpqXocAs0txIFgVf/4IQIzxoVtbEIkDdlO/bzXjRbjCaMdCtrdIF5ddhk0
qsfx5IxcgwoTTUiX9Lg9vc0f4SaUfdNnjLmQXspJf5jG1AcgXNCnAkO+PbGI17Nv
/fpjo3bt4ipGxUyezL2y4yFPT2bLgf+/bHLA
-----END CERTIFICATE-----`

// recordingInvalidator remembers every invalidated scheme in order
type recordingInvalidator struct {
	mu      sync.Mutex
	schemes []string
}

func (r *recordingInvalidator) Invalidate(scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes = append(r.schemes, scheme)
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.schemes...)
}

func (r *recordingInvalidator) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes = nil
}

func newMemoryRegistry(t *testing.T) (*Registry, *recordingInvalidator) {
	t.Helper()
	inv := &recordingInvalidator{}
	return NewRegistry(NewMemoryStore[*OIDCProvider](), NewMemoryStore[*SAMLProvider](), inv, nil, nil), inv
}

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, dialect, err := storage.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, dialect, "", "up"))
	return db
}
