package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"authserver/internal/config"
)

type Database struct {
	db *sql.DB
}

func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	database := &Database{db: conn}
	if err := database.createTables(); err != nil {
		return nil, err
	}

	return database, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) createTables() error {
	queries := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,

		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			username VARCHAR(255) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS clients (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			client_id VARCHAR(255) UNIQUE NOT NULL,
			user_id UUID REFERENCES users(id),
			name VARCHAR(255) NOT NULL,
			secret_hash VARCHAR(255) NOT NULL DEFAULT '',
			redirect_uris TEXT[] NOT NULL DEFAULT '{}',
			grant_types TEXT[] NOT NULL DEFAULT '{}',
			personal_access_client BOOLEAN DEFAULT FALSE,
			password_client BOOLEAN DEFAULT FALSE,
			revoked BOOLEAN DEFAULT FALSE,
			assertion_secret VARCHAR(255) NOT NULL DEFAULT '',
			public_key_pem TEXT NOT NULL DEFAULT '',
			cert_thumbprint VARCHAR(255) NOT NULL DEFAULT '',
			ciba_mode VARCHAR(10) NOT NULL DEFAULT '',
			ciba_notification_endpoint VARCHAR(512) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS scopes (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			name VARCHAR(255) UNIQUE NOT NULL,
			description TEXT,
			is_default BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS authorization_codes (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			code VARCHAR(255) UNIQUE NOT NULL,
			user_id UUID NOT NULL REFERENCES users(id),
			client_id VARCHAR(255) NOT NULL REFERENCES clients(client_id),
			redirect_uri VARCHAR(512) NOT NULL,
			scopes TEXT[] DEFAULT '{}',
			code_challenge VARCHAR(128),
			code_challenge_method VARCHAR(10),
			nonce VARCHAR(255),
			expires_at TIMESTAMP NOT NULL,
			revoked BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS access_tokens (
			id UUID PRIMARY KEY,
			user_id UUID,
			client_id VARCHAR(255) NOT NULL REFERENCES clients(client_id),
			scopes TEXT[] DEFAULT '{}',
			revoked BOOLEAN DEFAULT FALSE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id VARCHAR(255) PRIMARY KEY,
			access_token_id UUID NOT NULL REFERENCES access_tokens(id),
			revoked BOOLEAN DEFAULT FALSE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS device_authorizations (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			device_code VARCHAR(255) UNIQUE NOT NULL,
			user_code VARCHAR(16) UNIQUE NOT NULL,
			client_id VARCHAR(255) NOT NULL REFERENCES clients(client_id),
			scopes TEXT[] DEFAULT '{}',
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			user_id UUID REFERENCES users(id),
			expires_at TIMESTAMP NOT NULL,
			poll_interval INT NOT NULL DEFAULT 5,
			last_polled_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS ciba_requests (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			auth_req_id VARCHAR(255) UNIQUE NOT NULL,
			client_id VARCHAR(255) NOT NULL REFERENCES clients(client_id),
			user_id UUID NOT NULL REFERENCES users(id),
			scopes TEXT[] DEFAULT '{}',
			binding_message VARCHAR(100) NOT NULL DEFAULT '',
			user_code VARCHAR(8) NOT NULL DEFAULT '',
			notification_token VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			consumed BOOLEAN DEFAULT FALSE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS token_blacklist (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			token_hash VARCHAR(64) UNIQUE NOT NULL,
			user_id UUID,
			expires_at TIMESTAMP NOT NULL,
			reason VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT NOW()
		);`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// User operations

func (d *Database) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (username, email, password)
			  VALUES ($1, $2, $3)
			  RETURNING id, created_at, updated_at`

	return d.db.QueryRowContext(ctx, query, user.Username, user.Email, user.Password).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

func (d *Database) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return d.getUser(ctx, `SELECT id, username, email, password, created_at, updated_at
			  FROM users WHERE id = $1`, id)
}

func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return d.getUser(ctx, `SELECT id, username, email, password, created_at, updated_at
			  FROM users WHERE username = $1`, username)
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getUser(ctx, `SELECT id, username, email, password, created_at, updated_at
			  FROM users WHERE email = $1`, email)
}

func (d *Database) getUser(ctx context.Context, query string, arg interface{}) (*User, error) {
	user := &User{}
	err := d.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.Password,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Client operations

const clientColumns = `id, client_id, user_id, name, secret_hash, redirect_uris, grant_types,
	personal_access_client, password_client, revoked, assertion_secret, public_key_pem,
	cert_thumbprint, ciba_mode, ciba_notification_endpoint, created_at, updated_at`

func (d *Database) CreateClient(ctx context.Context, client *Client) error {
	query := `INSERT INTO clients (client_id, user_id, name, secret_hash, redirect_uris,
				grant_types, personal_access_client, password_client, assertion_secret,
				public_key_pem, cert_thumbprint, ciba_mode, ciba_notification_endpoint)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			  RETURNING id, created_at, updated_at`

	return d.db.QueryRowContext(ctx, query, client.ClientID, client.UserID, client.Name,
		client.SecretHash, pq.Array(client.RedirectURIs), pq.Array(client.GrantTypes),
		client.PersonalAccessClient, client.PasswordClient, client.AssertionSecret,
		client.PublicKeyPEM, client.CertThumbprint, client.CIBAMode,
		client.CIBANotificationEndpoint).
		Scan(&client.ID, &client.CreatedAt, &client.UpdatedAt)
}

func (d *Database) GetClientByID(ctx context.Context, clientID string) (*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE client_id = $1`
	return d.scanClient(d.db.QueryRowContext(ctx, query, clientID))
}

func (d *Database) GetAllClients(ctx context.Context) ([]*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients ORDER BY created_at DESC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		client, err := d.scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}

	return clients, rows.Err()
}

func (d *Database) UpdateClient(ctx context.Context, client *Client) error {
	query := `UPDATE clients SET name = $2, redirect_uris = $3, grant_types = $4,
				assertion_secret = $5, public_key_pem = $6, cert_thumbprint = $7,
				ciba_mode = $8, ciba_notification_endpoint = $9, updated_at = NOW()
			  WHERE client_id = $1 AND NOT revoked`

	result, err := d.db.ExecContext(ctx, query, client.ClientID, client.Name,
		pq.Array(client.RedirectURIs), pq.Array(client.GrantTypes),
		client.AssertionSecret, client.PublicKeyPEM, client.CertThumbprint,
		client.CIBAMode, client.CIBANotificationEndpoint)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *Database) RevokeClient(ctx context.Context, clientID string) error {
	query := `UPDATE clients SET revoked = TRUE, updated_at = NOW() WHERE client_id = $1`
	_, err := d.db.ExecContext(ctx, query, clientID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanClient(row rowScanner) (*Client, error) {
	client := &Client{}
	var redirectURIs, grantTypes pq.StringArray

	err := row.Scan(&client.ID, &client.ClientID, &client.UserID, &client.Name,
		&client.SecretHash, &redirectURIs, &grantTypes,
		&client.PersonalAccessClient, &client.PasswordClient, &client.Revoked,
		&client.AssertionSecret, &client.PublicKeyPEM, &client.CertThumbprint,
		&client.CIBAMode, &client.CIBANotificationEndpoint,
		&client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		return nil, err
	}

	client.RedirectURIs = []string(redirectURIs)
	client.GrantTypes = []string(grantTypes)
	return client, nil
}

// Scope operations

func (d *Database) CreateScope(ctx context.Context, scope *Scope) error {
	query := `INSERT INTO scopes (name, description, is_default)
			  VALUES ($1, $2, $3)
			  RETURNING id, created_at`

	return d.db.QueryRowContext(ctx, query, scope.Name, scope.Description, scope.IsDefault).
		Scan(&scope.ID, &scope.CreatedAt)
}

func (d *Database) GetScopeByName(ctx context.Context, name string) (*Scope, error) {
	scope := &Scope{}
	query := `SELECT id, name, description, is_default, created_at
			  FROM scopes WHERE name = $1`

	err := d.db.QueryRowContext(ctx, query, name).Scan(
		&scope.ID, &scope.Name, &scope.Description, &scope.IsDefault, &scope.CreatedAt)
	if err != nil {
		return nil, err
	}
	return scope, nil
}

func (d *Database) GetAllScopes(ctx context.Context) ([]*Scope, error) {
	return d.getScopes(ctx, `SELECT id, name, description, is_default, created_at
			  FROM scopes ORDER BY name`)
}

func (d *Database) GetDefaultScopes(ctx context.Context) ([]*Scope, error) {
	return d.getScopes(ctx, `SELECT id, name, description, is_default, created_at
			  FROM scopes WHERE is_default ORDER BY name`)
}

func (d *Database) getScopes(ctx context.Context, query string) ([]*Scope, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []*Scope
	for rows.Next() {
		scope := &Scope{}
		if err := rows.Scan(&scope.ID, &scope.Name, &scope.Description,
			&scope.IsDefault, &scope.CreatedAt); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	return scopes, rows.Err()
}

func (d *Database) UpdateScope(ctx context.Context, scope *Scope) error {
	query := `UPDATE scopes SET name = $2, description = $3, is_default = $4 WHERE id = $1`
	_, err := d.db.ExecContext(ctx, query, scope.ID, scope.Name, scope.Description, scope.IsDefault)
	return err
}

func (d *Database) DeleteScope(ctx context.Context, name string) error {
	query := `DELETE FROM scopes WHERE name = $1`
	_, err := d.db.ExecContext(ctx, query, name)
	return err
}

// Authorization code operations

func (d *Database) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	query := `INSERT INTO authorization_codes (code, user_id, client_id, redirect_uri,
				scopes, code_challenge, code_challenge_method, nonce, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  RETURNING id, created_at`

	return d.db.QueryRowContext(ctx, query, code.Code, code.UserID, code.ClientID,
		code.RedirectURI, pq.Array(code.Scopes), code.CodeChallenge,
		code.CodeChallengeMethod, code.Nonce, code.ExpiresAt).
		Scan(&code.ID, &code.CreatedAt)
}

func (d *Database) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	authCode := &AuthorizationCode{}
	query := `SELECT id, code, user_id, client_id, redirect_uri, scopes, code_challenge,
				code_challenge_method, nonce, expires_at, revoked, created_at
			  FROM authorization_codes WHERE code = $1`

	var scopes pq.StringArray
	err := d.db.QueryRowContext(ctx, query, code).Scan(
		&authCode.ID, &authCode.Code, &authCode.UserID, &authCode.ClientID,
		&authCode.RedirectURI, &scopes, &authCode.CodeChallenge,
		&authCode.CodeChallengeMethod, &authCode.Nonce, &authCode.ExpiresAt,
		&authCode.Revoked, &authCode.CreatedAt)
	if err != nil {
		return nil, err
	}

	authCode.Scopes = []string(scopes)
	return authCode, nil
}

func (d *Database) ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error) {
	query := `UPDATE authorization_codes SET revoked = TRUE WHERE code = $1 AND NOT revoked`
	result, err := d.db.ExecContext(ctx, query, code)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Token operations

func (d *Database) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	query := `INSERT INTO access_tokens (id, user_id, client_id, scopes, expires_at)
			  VALUES ($1, $2, $3, $4, $5)
			  RETURNING created_at`

	var userID interface{}
	if token.UserID != uuid.Nil {
		userID = token.UserID
	}

	return d.db.QueryRowContext(ctx, query, token.ID, userID, token.ClientID,
		pq.Array(token.Scopes), token.ExpiresAt).
		Scan(&token.CreatedAt)
}

func (d *Database) GetAccessTokenByID(ctx context.Context, id uuid.UUID) (*AccessToken, error) {
	token := &AccessToken{}
	query := `SELECT id, user_id, client_id, scopes, revoked, expires_at, created_at
			  FROM access_tokens WHERE id = $1`

	var scopes pq.StringArray
	var userID uuid.NullUUID
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&token.ID, &userID, &token.ClientID, &scopes,
		&token.Revoked, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		token.UserID = userID.UUID
	}
	token.Scopes = []string(scopes)
	return token, nil
}

func (d *Database) RevokeAccessToken(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE access_tokens SET revoked = TRUE WHERE id = $1`
	_, err := d.db.ExecContext(ctx, query, id)
	return err
}

func (d *Database) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	query := `INSERT INTO refresh_tokens (id, access_token_id, expires_at)
			  VALUES ($1, $2, $3)
			  RETURNING created_at`

	return d.db.QueryRowContext(ctx, query, token.ID, token.AccessTokenID, token.ExpiresAt).
		Scan(&token.CreatedAt)
}

func (d *Database) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	token := &RefreshToken{}
	query := `SELECT id, access_token_id, revoked, expires_at, created_at
			  FROM refresh_tokens WHERE id = $1`

	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&token.ID, &token.AccessTokenID, &token.Revoked, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (d *Database) ConsumeRefreshToken(ctx context.Context, id string) (bool, error) {
	query := `UPDATE refresh_tokens SET revoked = TRUE
			  WHERE id = $1 AND NOT revoked AND expires_at > NOW()`
	result, err := d.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Device authorization operations

const deviceColumns = `id, device_code, user_code, client_id, scopes, status, user_id,
	expires_at, poll_interval, last_polled_at, created_at`

func (d *Database) CreateDeviceAuthorization(ctx context.Context, device *DeviceAuthorization) error {
	query := `INSERT INTO device_authorizations (device_code, user_code, client_id,
				scopes, status, expires_at, poll_interval)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING id, created_at`

	return d.db.QueryRowContext(ctx, query, device.DeviceCode, device.UserCode,
		device.ClientID, pq.Array(device.Scopes), device.Status, device.ExpiresAt,
		device.Interval).
		Scan(&device.ID, &device.CreatedAt)
}

func (d *Database) GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_authorizations WHERE device_code = $1`
	return d.scanDevice(d.db.QueryRowContext(ctx, query, deviceCode))
}

func (d *Database) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_authorizations WHERE user_code = $1`
	return d.scanDevice(d.db.QueryRowContext(ctx, query, userCode))
}

func (d *Database) scanDevice(row rowScanner) (*DeviceAuthorization, error) {
	device := &DeviceAuthorization{}
	var scopes pq.StringArray
	var userID uuid.NullUUID
	var lastPolled sql.NullTime

	err := row.Scan(&device.ID, &device.DeviceCode, &device.UserCode, &device.ClientID,
		&scopes, &device.Status, &userID, &device.ExpiresAt, &device.Interval,
		&lastPolled, &device.CreatedAt)
	if err != nil {
		return nil, err
	}

	device.Scopes = []string(scopes)
	if userID.Valid {
		device.UserID = &userID.UUID
	}
	if lastPolled.Valid {
		device.LastPolledAt = &lastPolled.Time
	}
	return device, nil
}

func (d *Database) AuthorizeDevice(ctx context.Context, userCode string, userID uuid.UUID) (bool, error) {
	query := `UPDATE device_authorizations SET status = $3, user_id = $2
			  WHERE user_code = $1 AND status = $4 AND expires_at > NOW()`
	result, err := d.db.ExecContext(ctx, query, userCode, userID,
		DeviceStatusAuthorized, DeviceStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *Database) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (bool, error) {
	query := `UPDATE device_authorizations SET status = $2
			  WHERE device_code = $1 AND status = $3`
	result, err := d.db.ExecContext(ctx, query, deviceCode,
		DeviceStatusConsumed, DeviceStatusAuthorized)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *Database) ExpireDeviceAuthorization(ctx context.Context, deviceCode string) error {
	query := `UPDATE device_authorizations SET status = $2
			  WHERE device_code = $1 AND status IN ($3, $4)`
	_, err := d.db.ExecContext(ctx, query, deviceCode, DeviceStatusExpired,
		DeviceStatusPending, DeviceStatusAuthorized)
	return err
}

func (d *Database) UpdateDevicePollTime(ctx context.Context, deviceCode string) error {
	query := `UPDATE device_authorizations SET last_polled_at = NOW() WHERE device_code = $1`
	_, err := d.db.ExecContext(ctx, query, deviceCode)
	return err
}

// CIBA operations

func (d *Database) CreateCIBARequest(ctx context.Context, request *CIBARequest) error {
	query := `INSERT INTO ciba_requests (auth_req_id, client_id, user_id, scopes,
				binding_message, user_code, notification_token, status, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  RETURNING id, created_at`

	return d.db.QueryRowContext(ctx, query, request.AuthReqID, request.ClientID,
		request.UserID, pq.Array(request.Scopes), request.BindingMessage,
		request.UserCode, request.NotificationToken, request.Status, request.ExpiresAt).
		Scan(&request.ID, &request.CreatedAt)
}

func (d *Database) GetCIBARequestByAuthReqID(ctx context.Context, authReqID string) (*CIBARequest, error) {
	request := &CIBARequest{}
	query := `SELECT id, auth_req_id, client_id, user_id, scopes, binding_message,
				user_code, notification_token, status, consumed, expires_at, created_at
			  FROM ciba_requests WHERE auth_req_id = $1`

	var scopes pq.StringArray
	err := d.db.QueryRowContext(ctx, query, authReqID).Scan(
		&request.ID, &request.AuthReqID, &request.ClientID, &request.UserID,
		&scopes, &request.BindingMessage, &request.UserCode,
		&request.NotificationToken, &request.Status, &request.Consumed,
		&request.ExpiresAt, &request.CreatedAt)
	if err != nil {
		return nil, err
	}

	request.Scopes = []string(scopes)
	return request, nil
}

func (d *Database) TransitionCIBAStatus(ctx context.Context, authReqID string, from, to CIBAStatus) (bool, error) {
	query := `UPDATE ciba_requests SET status = $3 WHERE auth_req_id = $1 AND status = $2`
	result, err := d.db.ExecContext(ctx, query, authReqID, from, to)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *Database) ConsumeCIBARequest(ctx context.Context, authReqID string) (bool, error) {
	query := `UPDATE ciba_requests SET consumed = TRUE
			  WHERE auth_req_id = $1 AND status = $2 AND NOT consumed`
	result, err := d.db.ExecContext(ctx, query, authReqID, CIBAStatusComplete)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Token blacklist operations

func (d *Database) BlacklistToken(ctx context.Context, entry *BlacklistedToken) error {
	query := `INSERT INTO token_blacklist (token_hash, user_id, expires_at, reason)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (token_hash) DO NOTHING`

	var userID interface{}
	if entry.UserID != uuid.Nil {
		userID = entry.UserID
	}

	_, err := d.db.ExecContext(ctx, query, entry.TokenHash, userID, entry.ExpiresAt, entry.Reason)
	return err
}

func (d *Database) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM token_blacklist
			  WHERE token_hash = $1 AND expires_at > NOW())`

	var exists bool
	if err := d.db.QueryRowContext(ctx, query, tokenHash).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Maintenance operations

// CleanupExpired is the periodic sweep; each statement is idempotent and safe
// to run concurrently with request handling.
func (d *Database) CleanupExpired(ctx context.Context) error {
	queries := []string{
		`DELETE FROM authorization_codes WHERE expires_at < NOW()`,
		`DELETE FROM refresh_tokens WHERE expires_at < NOW()`,
		`DELETE FROM access_tokens WHERE expires_at < NOW()
			AND id NOT IN (SELECT access_token_id FROM refresh_tokens)`,
		`DELETE FROM device_authorizations WHERE expires_at < NOW()`,
		`DELETE FROM ciba_requests WHERE expires_at < NOW()`,
		`DELETE FROM token_blacklist WHERE expires_at < NOW()`,
	}

	for _, query := range queries {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}
