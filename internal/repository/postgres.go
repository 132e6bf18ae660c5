package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
)

type PostgresCredentialRepository struct {
	db *sql.DB
}

func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

const credentialColumns = `id, tenant_id, name, token_hash, prefix, scopes, rpm, tpm, daily_cap, status, created_at, updated_at, last_used_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*domain.Credential, error) {
	var cred domain.Credential
	var scopes pq.StringArray
	var lastUsed sql.NullTime

	err := row.Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.Name,
		&cred.TokenHash,
		&cred.Prefix,
		&scopes,
		&cred.Policy.RPM,
		&cred.Policy.TPM,
		&cred.Policy.DailyCap,
		&cred.Status,
		&cred.CreatedAt,
		&cred.UpdatedAt,
		&lastUsed,
	)
	if err != nil {
		return nil, err
	}

	cred.Scopes = []string(scopes)
	if lastUsed.Valid {
		cred.LastUsedAt = &lastUsed.Time
	}
	return &cred, nil
}

func (r *PostgresCredentialRepository) GetByToken(ctx context.Context, token string) (*domain.Credential, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM credentials
		WHERE token_hash = $1 AND status = 'active'
	`, credentialColumns)

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, crypto.HashToken(token)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}

func (r *PostgresCredentialRepository) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE id = $1`, credentialColumns)

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}

func (r *PostgresCredentialRepository) List(ctx context.Context, tenantID string) ([]*domain.Credential, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM credentials
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, credentialColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (r *PostgresCredentialRepository) ListActive(ctx context.Context) ([]*domain.Credential, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM credentials
		WHERE status = 'active'
		ORDER BY created_at DESC
	`, credentialColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active credentials: %w", err)
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (r *PostgresCredentialRepository) Create(ctx context.Context, credential *domain.Credential) error {
	query := `
		INSERT INTO credentials (id, tenant_id, name, token_hash, prefix, scopes, rpm, tpm, daily_cap, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		credential.ID,
		credential.TenantID,
		credential.Name,
		credential.TokenHash,
		credential.Prefix,
		pq.Array(credential.Scopes),
		credential.Policy.RPM,
		credential.Policy.TPM,
		credential.Policy.DailyCap,
		credential.Status,
		credential.CreatedAt,
		credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepository) Update(ctx context.Context, credential *domain.Credential) error {
	query := `
		UPDATE credentials
		SET name = $2, scopes = $3, rpm = $4, tpm = $5, daily_cap = $6, status = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		credential.ID,
		credential.Name,
		pq.Array(credential.Scopes),
		credential.Policy.RPM,
		credential.Policy.TPM,
		credential.Policy.DailyCap,
		credential.Status,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresCredentialRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE credentials SET status = 'revoked', updated_at = $2 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresCredentialRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE credentials SET last_used_at = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

type PostgresCatalogRepository struct {
	db *sql.DB
}

func NewPostgresCatalogRepository(db *sql.DB) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{db: db}
}

const providerColumns = `id, tenant_id, name, type, base_url, encrypted_api_key, headers, mapping, active, created_at, updated_at`

func scanProvider(row interface{ Scan(...interface{}) error }) (*domain.Provider, error) {
	var p domain.Provider
	var apiKey sql.NullString
	var headers, mapping []byte

	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.Type,
		&p.BaseURL,
		&apiKey,
		&headers,
		&mapping,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if apiKey.Valid {
		p.EncryptedAPIKey = apiKey.String
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &p.Headers); err != nil {
			return nil, fmt.Errorf("decode provider headers: %w", err)
		}
	}
	p.Mapping = mapping
	return &p, nil
}

func (r *PostgresCatalogRepository) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers WHERE id = $1`, providerColumns)

	p, err := scanProvider(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider: %w", err)
	}
	return p, nil
}

func (r *PostgresCatalogRepository) ListProviders(ctx context.Context, tenantID string) ([]*domain.Provider, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM providers
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, providerColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresCatalogRepository) CreateProvider(ctx context.Context, provider *domain.Provider) error {
	headers, err := json.Marshal(provider.Headers)
	if err != nil {
		return fmt.Errorf("encode provider headers: %w", err)
	}

	query := `
		INSERT INTO providers (id, tenant_id, name, type, base_url, encrypted_api_key, headers, mapping, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		provider.ID,
		provider.TenantID,
		provider.Name,
		provider.Type,
		provider.BaseURL,
		sql.NullString{String: provider.EncryptedAPIKey, Valid: provider.EncryptedAPIKey != ""},
		headers,
		[]byte(provider.Mapping),
		provider.Active,
		provider.CreatedAt,
		provider.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (r *PostgresCatalogRepository) UpdateProvider(ctx context.Context, provider *domain.Provider) error {
	headers, err := json.Marshal(provider.Headers)
	if err != nil {
		return fmt.Errorf("encode provider headers: %w", err)
	}

	query := `
		UPDATE providers
		SET name = $2, type = $3, base_url = $4, encrypted_api_key = $5, headers = $6, mapping = $7, active = $8, updated_at = $9
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		provider.ID,
		provider.Name,
		provider.Type,
		provider.BaseURL,
		sql.NullString{String: provider.EncryptedAPIKey, Valid: provider.EncryptedAPIKey != ""},
		headers,
		[]byte(provider.Mapping),
		provider.Active,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

func (r *PostgresCatalogRepository) DeleteProvider(ctx context.Context, id string) error {
	// Models cascade via the schema's foreign key.
	result, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

const modelColumns = `m.id, m.name, m.provider_id, m.context_length, m.is_default, m.active, m.created_at, m.updated_at`

func scanModel(row interface{ Scan(...interface{}) error }) (*domain.Model, error) {
	var m domain.Model
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.ProviderID,
		&m.ContextLength,
		&m.Default,
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresCatalogRepository) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM models m WHERE m.id = $1`, modelColumns)

	m, err := scanModel(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return m, nil
}

func (r *PostgresCatalogRepository) GetModelByName(ctx context.Context, tenantID, name string) (*domain.Model, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM models m
		JOIN providers p ON p.id = m.provider_id
		WHERE p.tenant_id = $1 AND m.name = $2 AND m.active = true
	`, modelColumns)

	m, err := scanModel(r.db.QueryRowContext(ctx, query, tenantID, name))
	if err == sql.ErrNoRows {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return m, nil
}

func (r *PostgresCatalogRepository) ListModels(ctx context.Context, tenantID string) ([]*domain.Model, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM models m
		JOIN providers p ON p.id = m.provider_id
		WHERE p.tenant_id = $1
		ORDER BY m.created_at DESC
	`, modelColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []*domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresCatalogRepository) CreateModel(ctx context.Context, model *domain.Model) error {
	query := `
		INSERT INTO models (id, name, provider_id, context_length, is_default, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		model.ID,
		model.Name,
		model.ProviderID,
		model.ContextLength,
		model.Default,
		model.Active,
		model.CreatedAt,
		model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

func (r *PostgresCatalogRepository) UpdateModel(ctx context.Context, model *domain.Model) error {
	query := `
		UPDATE models
		SET name = $2, context_length = $3, is_default = $4, active = $5, updated_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		model.ID,
		model.Name,
		model.ContextLength,
		model.Default,
		model.Active,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrModelNotFound
	}
	return nil
}

func (r *PostgresCatalogRepository) DeleteModel(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrModelNotFound
	}
	return nil
}
