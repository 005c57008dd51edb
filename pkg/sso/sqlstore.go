package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/idhub/pkg/secrets"
	"github.com/platinummonkey/idhub/pkg/storage"
)

var baseColumns = []string{"scheme", "display_name", "enabled", "provider_type", "created", "updated"}

type secretField struct {
	column string
	value  *string
}

// sqlTable maps one provider kind onto its table. fields returns pointers to
// the kind-specific fields in the same order as columns.
type sqlTable[P Provider] struct {
	name        string
	columns     []string
	newProvider func() P
	fields      func(p P) []any
	secrets     func(p P) []secretField
}

var oidcTable = sqlTable[*OIDCProvider]{
	name: "oidc_providers",
	columns: []string{
		"authority", "client_id", "client_secret", "response_type", "scopes", "callback_path",
		"get_claims_from_user_info_endpoint", "save_tokens", "metadata_address", "require_https_metadata",
	},
	newProvider: NewOIDCProvider,
	fields: func(p *OIDCProvider) []any {
		return []any{
			&p.Authority, &p.ClientID, &p.ClientSecret, &p.ResponseType, &p.Scopes, &p.CallbackPath,
			&p.GetClaimsFromUserInfoEndpoint, &p.SaveTokens, &p.MetadataAddress, &p.RequireHTTPSMetadata,
		}
	},
	secrets: func(p *OIDCProvider) []secretField {
		return []secretField{{"client_secret", &p.ClientSecret}}
	},
}

var samlTable = sqlTable[*SAMLProvider]{
	name: "saml_providers",
	columns: []string{
		"sp_entity_id", "idp_entity_id", "idp_single_sign_on_url", "idp_metadata_url", "acs_path",
		"idp_certificate", "sp_certificate", "sp_certificate_password",
		"sign_authentication_requests", "want_assertions_signed", "name_id_format", "binding_type",
	},
	newProvider: NewSAMLProvider,
	fields: func(p *SAMLProvider) []any {
		return []any{
			&p.SpEntityID, &p.IdpEntityID, &p.IdpSingleSignOnURL, &p.IdpMetadataURL, &p.ACSPath,
			&p.IdpCertificate, &p.SpCertificate, &p.SpCertificatePassword,
			&p.SignAuthenticationRequests, &p.WantAssertionsSigned, &p.NameIDFormat, &p.BindingType,
		}
	},
	secrets: func(p *SAMLProvider) []secretField {
		return []secretField{
			{"sp_certificate", &p.SpCertificate},
			{"sp_certificate_password", &p.SpCertificatePassword},
		}
	},
}

// SQLStore is a Store over database/sql for PostgreSQL and SQLite.
type SQLStore[P Provider] struct {
	db      *sql.DB
	dialect storage.Dialect
	sealer  secrets.Sealer
	table   sqlTable[P]

	selectList string
}

// NewOIDCSQLStore creates the store for the oidc_providers table.
func NewOIDCSQLStore(db *sql.DB, dialect storage.Dialect, sealer secrets.Sealer) *SQLStore[*OIDCProvider] {
	return newSQLStore(db, dialect, sealer, oidcTable)
}

// NewSAMLSQLStore creates the store for the saml_providers table.
func NewSAMLSQLStore(db *sql.DB, dialect storage.Dialect, sealer secrets.Sealer) *SQLStore[*SAMLProvider] {
	return newSQLStore(db, dialect, sealer, samlTable)
}

func newSQLStore[P Provider](db *sql.DB, dialect storage.Dialect, sealer secrets.Sealer, table sqlTable[P]) *SQLStore[P] {
	if sealer == nil {
		sealer = secrets.NopSealer{}
	}
	cols := append(append([]string{"id"}, baseColumns...), table.columns...)
	return &SQLStore[P]{
		db:         db,
		dialect:    dialect,
		sealer:     sealer,
		table:      table,
		selectList: strings.Join(cols, ", "),
	}
}

func (s *SQLStore[P]) Insert(ctx context.Context, p P) (P, error) {
	var zero P
	sealed, err := s.seal(ctx, p)
	if err != nil {
		return zero, err
	}

	b := sealed.Base()
	args := append([]any{b.Scheme, b.DisplayName, b.Enabled, string(b.ProviderType), b.Created, nullTime(b)}, values(s.table.fields(sealed))...)
	cols := append(append([]string{}, baseColumns...), s.table.columns...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		s.table.name, strings.Join(cols, ", "), placeholders(len(cols)))

	var id int64
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(&id); err != nil {
		if storage.IsUniqueViolation(err) {
			return zero, ErrConflict
		}
		return zero, fmt.Errorf("insert into %s: %w", s.table.name, err)
	}

	out := cloneProvider(p)
	out.Base().ID = id
	return out, nil
}

func (s *SQLStore[P]) Get(ctx context.Context, id int64) (P, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", s.selectList, s.table.name)
	return s.scan(ctx, s.db.QueryRowContext(ctx, s.dialect.Rebind(query), id))
}

func (s *SQLStore[P]) GetByScheme(ctx context.Context, scheme string) (P, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE scheme = ?", s.selectList, s.table.name)
	return s.scan(ctx, s.db.QueryRowContext(ctx, s.dialect.Rebind(query), scheme))
}

func (s *SQLStore[P]) List(ctx context.Context) ([]P, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", s.selectList, s.table.name)
	return s.query(ctx, query)
}

func (s *SQLStore[P]) ListByEnabled(ctx context.Context, enabled bool) ([]P, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE enabled = ? ORDER BY id", s.selectList, s.table.name)
	return s.query(ctx, query, enabled)
}

// Replace overwrites every mutable column. provider_type and created are
// never rewritten.
func (s *SQLStore[P]) Replace(ctx context.Context, p P) error {
	sealed, err := s.seal(ctx, p)
	if err != nil {
		return err
	}

	b := sealed.Base()
	sets := []string{"scheme = ?", "display_name = ?", "enabled = ?", "updated = ?"}
	for _, col := range s.table.columns {
		sets = append(sets, col+" = ?")
	}
	args := append([]any{b.Scheme, b.DisplayName, b.Enabled, nullTime(b)}, values(s.table.fields(sealed))...)
	args = append(args, b.ID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", s.table.name, strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update %s: %w", s.table.name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", s.table.name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore[P]) Delete(ctx context.Context, id int64) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table.name)
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), id)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", s.table.name, err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore[P]) scan(ctx context.Context, row rowScanner) (P, error) {
	var zero P
	p := s.table.newProvider()
	b := p.Base()
	var updated sql.NullTime
	dest := append([]any{&b.ID, &b.Scheme, &b.DisplayName, &b.Enabled, &b.ProviderType, &b.Created, &updated}, s.table.fields(p)...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("scan %s: %w", s.table.name, err)
	}
	if updated.Valid {
		t := updated.Time
		b.Updated = &t
	}

	for _, f := range s.table.secrets(p) {
		plain, err := s.sealer.Unseal(ctx, s.table.name+"."+f.column, *f.value)
		if err != nil {
			return zero, err
		}
		*f.value = plain
	}
	return p, nil
}

func (s *SQLStore[P]) query(ctx context.Context, query string, args ...any) ([]P, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table.name, err)
	}
	defer rows.Close()

	result := []P{}
	for rows.Next() {
		p, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table.name, err)
	}
	return result, nil
}

// seal returns a copy of p with its secret fields sealed.
func (s *SQLStore[P]) seal(ctx context.Context, p P) (P, error) {
	sealed := cloneProvider(p)
	for _, f := range s.table.secrets(sealed) {
		v, err := s.sealer.Seal(ctx, s.table.name+"."+f.column, *f.value)
		if err != nil {
			var zero P
			return zero, err
		}
		*f.value = v
	}
	return sealed, nil
}

func values(ptrs []any) []any {
	out := make([]any, len(ptrs))
	for i, ptr := range ptrs {
		switch v := ptr.(type) {
		case *string:
			out[i] = *v
		case *bool:
			out[i] = *v
		default:
			panic(fmt.Sprintf("unsupported column type %T", ptr))
		}
	}
	return out
}

func nullTime(b *ProviderBase) sql.NullTime {
	if b.Updated == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *b.Updated, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
