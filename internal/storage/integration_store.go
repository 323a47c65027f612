package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/secrets"
)

// IntegrationID is the key of the single integration row
const IntegrationID = "default"

// integrationRow mirrors the integration_config table
type integrationRow struct {
	ID                   string         `db:"id"`
	ClientID             string         `db:"client_id"`
	ClientSecret         string         `db:"client_secret"`
	AccessToken          sql.NullString `db:"access_token"`
	RefreshToken         sql.NullString `db:"refresh_token"`
	AccessTokenExpiresAt sql.NullInt64  `db:"access_token_expires_at"`
	ConnectionStatus     string         `db:"connection_status"`
	LastError            string         `db:"last_error"`
	EnabledServices      string         `db:"enabled_services"`
	AdSenseAccount       string         `db:"adsense_account"`
	AnalyticsProperty    string         `db:"analytics_property"`
	SearchConsoleSite    string         `db:"search_console_site"`
	Version              int64          `db:"version"`
	LastRefreshedAt      sql.NullInt64  `db:"last_refreshed_at"`
	CreatedAt            int64          `db:"created_at"`
	UpdatedAt            int64          `db:"updated_at"`
}

const integrationColumns = `
	id, client_id, client_secret, access_token, refresh_token, access_token_expires_at,
	connection_status, last_error, enabled_services,
	adsense_account, analytics_property, search_console_site,
	version, last_refreshed_at, created_at, updated_at`

// IntegrationStore persists the integration credential record.
// Secret columns are sealed before they reach the database.
type IntegrationStore struct {
	db     *DB
	sealer secrets.Sealer
	now    func() time.Time
}

// NewIntegrationStore creates a new integration store
func NewIntegrationStore(db *DB, sealer secrets.Sealer) *IntegrationStore {
	if sealer == nil {
		sealer = secrets.Plain{}
	}
	return &IntegrationStore{
		db:     db,
		sealer: sealer,
		now:    nowFunc,
	}
}

// SetClock overrides the time source (for testing)
func (s *IntegrationStore) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the integration, or core.ErrNotConfigured when none exists
func (s *IntegrationStore) Get(ctx context.Context) (*core.IntegrationConfig, error) {
	var row integrationRow
	err := s.db.conn.GetContext(ctx, &row,
		s.db.rebind("SELECT "+integrationColumns+" FROM integration_config WHERE id = ?"),
		IntegrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("query integration: %w", err)
	}
	return s.decode(row)
}

// Create inserts the integration in the disconnected state
func (s *IntegrationStore) Create(ctx context.Context, clientID, clientSecret string) (*core.IntegrationConfig, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, fmt.Errorf("%w: client id and secret", core.ErrMissingRequired)
	}

	sealed, err := s.sealer.Seal(clientSecret)
	if err != nil {
		return nil, fmt.Errorf("seal client secret: %w", err)
	}

	now := toMillis(s.now())
	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		INSERT INTO integration_config (
			id, client_id, client_secret, connection_status, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), IntegrationID, clientID, sealed, string(core.StatusDisconnected), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.ErrAlreadyConfigured
	}

	return s.Get(ctx)
}

// Update merges the supplied fields into the stored row.
// Only supplied columns are written. Client credentials cannot be changed once set.
func (s *IntegrationStore) Update(ctx context.Context, patch core.IntegrationPatch) (*core.IntegrationConfig, error) {
	current, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return current, nil
	}

	var sets []string
	var args []interface{}
	var guards []string

	if patch.ClientID != nil && *patch.ClientID != current.ClientID {
		if current.ClientID != "" {
			return nil, fmt.Errorf("%w: client_id", core.ErrImmutableField)
		}
		sets = append(sets, "client_id = ?")
		args = append(args, *patch.ClientID)
		guards = append(guards, "client_id = ''")
	}
	if patch.ClientSecret != nil && *patch.ClientSecret != current.ClientSecret {
		if current.ClientSecret != "" {
			return nil, fmt.Errorf("%w: client_secret", core.ErrImmutableField)
		}
		sealed, err := s.sealer.Seal(*patch.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("seal client secret: %w", err)
		}
		sets = append(sets, "client_secret = ?")
		args = append(args, sealed)
		guards = append(guards, "client_secret = ''")
	}
	if patch.EnabledServices != nil {
		sets = append(sets, "enabled_services = ?")
		args = append(args, patch.EnabledServices.String())
	}
	if patch.AdSenseAccount != nil {
		sets = append(sets, "adsense_account = ?")
		args = append(args, strings.TrimSpace(*patch.AdSenseAccount))
	}
	if patch.AnalyticsProperty != nil {
		sets = append(sets, "analytics_property = ?")
		args = append(args, strings.TrimSpace(*patch.AnalyticsProperty))
	}
	if patch.SearchConsoleSite != nil {
		sets = append(sets, "search_console_site = ?")
		args = append(args, strings.TrimSpace(*patch.SearchConsoleSite))
	}
	if len(sets) == 0 {
		return current, nil
	}

	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, toMillis(s.now()), IntegrationID)

	query := "UPDATE integration_config SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	for _, g := range guards {
		query += " AND " + g
	}

	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent writer set the client credentials first
		return nil, fmt.Errorf("%w: client credentials", core.ErrImmutableField)
	}

	return s.Get(ctx)
}

// SaveTokens writes a refreshed token pair if the row is still at expectedVersion.
// It returns core.ErrVersionConflict when another writer got there first.
func (s *IntegrationStore) SaveTokens(ctx context.Context, expectedVersion int64, upd core.TokenUpdate) (*core.IntegrationConfig, error) {
	if upd.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token", core.ErrMissingRequired)
	}

	access, err := s.sealer.Seal(upd.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	var refresh sql.NullString
	if upd.RefreshToken != "" {
		sealed, err := s.sealer.Seal(upd.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		refresh = sql.NullString{String: sealed, Valid: true}
	}

	refreshedAt := upd.RefreshedAt
	if refreshedAt.IsZero() {
		refreshedAt = s.now()
	}

	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		UPDATE integration_config SET
			access_token = ?,
			refresh_token = COALESCE(?, refresh_token),
			access_token_expires_at = ?,
			connection_status = ?,
			last_error = '',
			last_refreshed_at = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`),
		access,
		refresh,
		toMillis(upd.ExpiresAt),
		string(core.StatusConnected),
		toMillis(refreshedAt),
		toMillis(s.now()),
		IntegrationID,
		expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("save tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx); err != nil {
			return nil, err
		}
		return nil, core.ErrVersionConflict
	}

	return s.Get(ctx)
}

// SaveAuthorization imports the result of the one-time authorization flow.
// Without an access token the integration stays disconnected until the first refresh.
func (s *IntegrationStore) SaveAuthorization(ctx context.Context, refreshToken, accessToken string, expiresAt *time.Time) (*core.IntegrationConfig, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token", core.ErrMissingRequired)
	}

	sealedRefresh, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}

	var access sql.NullString
	var expiry sql.NullInt64
	status := core.StatusDisconnected
	if accessToken != "" && expiresAt != nil {
		sealed, err := s.sealer.Seal(accessToken)
		if err != nil {
			return nil, fmt.Errorf("seal access token: %w", err)
		}
		access = sql.NullString{String: sealed, Valid: true}
		expiry = nullMillis(expiresAt)
		status = core.StatusConnected
	}

	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		UPDATE integration_config SET
			access_token = ?,
			refresh_token = ?,
			access_token_expires_at = ?,
			connection_status = ?,
			last_error = '',
			version = version + 1,
			updated_at = ?
		WHERE id = ?
	`), access, sealedRefresh, expiry, string(status), toMillis(s.now()), IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("save authorization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.ErrNotConfigured
	}

	return s.Get(ctx)
}

// MarkError records a failure without touching the stored tokens
func (s *IntegrationStore) MarkError(ctx context.Context, message string) error {
	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		UPDATE integration_config SET
			connection_status = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?
	`), string(core.StatusError), message, toMillis(s.now()), IntegrationID)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotConfigured
	}
	return nil
}

// Disconnect clears the tokens and resets the integration to disconnected
func (s *IntegrationStore) Disconnect(ctx context.Context) error {
	res, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		UPDATE integration_config SET
			access_token = NULL,
			refresh_token = NULL,
			access_token_expires_at = NULL,
			connection_status = ?,
			last_error = '',
			version = version + 1,
			updated_at = ?
		WHERE id = ?
	`), string(core.StatusDisconnected), toMillis(s.now()), IntegrationID)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotConfigured
	}
	return nil
}

func (s *IntegrationStore) decode(row integrationRow) (*core.IntegrationConfig, error) {
	secret, err := s.sealer.Open(row.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("open client secret: %w", err)
	}

	cfg := &core.IntegrationConfig{
		ID:                   row.ID,
		ClientID:             row.ClientID,
		ClientSecret:         secret,
		AccessTokenExpiresAt: timePtr(row.AccessTokenExpiresAt),
		ConnectionStatus:     core.ConnectionStatus(row.ConnectionStatus),
		LastError:            row.LastError,
		EnabledServices:      core.ParseServices(row.EnabledServices),
		AdSenseAccount:       row.AdSenseAccount,
		AnalyticsProperty:    row.AnalyticsProperty,
		SearchConsoleSite:    row.SearchConsoleSite,
		Version:              row.Version,
		LastRefreshedAt:      timePtr(row.LastRefreshedAt),
		CreatedAt:            fromMillis(row.CreatedAt),
		UpdatedAt:            fromMillis(row.UpdatedAt),
	}

	if row.AccessToken.Valid {
		v, err := s.sealer.Open(row.AccessToken.String)
		if err != nil {
			return nil, fmt.Errorf("open access token: %w", err)
		}
		cfg.AccessToken = &v
	}
	if row.RefreshToken.Valid {
		v, err := s.sealer.Open(row.RefreshToken.String)
		if err != nil {
			return nil, fmt.Errorf("open refresh token: %w", err)
		}
		cfg.RefreshToken = &v
	}

	return cfg, nil
}
