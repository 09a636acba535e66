// Package dbtest provides a mutex-guarded in-memory Store for tests. The
// conditional Consume*/transition operations follow the same exactly-once
// contract as the Postgres implementation, so races can be tested without a
// database.
package dbtest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"authserver/internal/db"
)

// ErrNotFound matches the error the SQL-backed store surfaces for missing
// rows, so callers can use the same errors.Is checks against both.
var ErrNotFound = sql.ErrNoRows

type Store struct {
	mu sync.Mutex

	users    map[uuid.UUID]*db.User
	clients  map[string]*db.Client
	scopes   map[string]*db.Scope
	codes    map[string]*db.AuthorizationCode
	access   map[uuid.UUID]*db.AccessToken
	refresh  map[string]*db.RefreshToken
	devices  map[string]*db.DeviceAuthorization // by device code
	ciba     map[string]*db.CIBARequest         // by auth_req_id
	banned   map[string]*db.BlacklistedToken
	closed   bool
}

func NewStore() *Store {
	return &Store{
		users:   make(map[uuid.UUID]*db.User),
		clients: make(map[string]*db.Client),
		scopes:  make(map[string]*db.Scope),
		codes:   make(map[string]*db.AuthorizationCode),
		access:  make(map[uuid.UUID]*db.AccessToken),
		refresh: make(map[string]*db.RefreshToken),
		devices: make(map[string]*db.DeviceAuthorization),
		ciba:    make(map[string]*db.CIBARequest),
		banned:  make(map[string]*db.BlacklistedToken),
	}
}

// User operations

func (s *Store) CreateUser(ctx context.Context, user *db.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = user
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[id]; ok {
		out := *user
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			out := *user
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			out := *user
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Client operations

func (s *Store) CreateClient(ctx context.Context, client *db.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	client.CreatedAt = time.Now()
	client.UpdatedAt = client.CreatedAt
	s.clients[client.ClientID] = client
	return nil
}

func (s *Store) GetClientByID(ctx context.Context, clientID string) (*db.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[clientID]; ok {
		out := *client
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) GetAllClients(ctx context.Context) ([]*db.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*db.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

func (s *Store) UpdateClient(ctx context.Context, client *db.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[client.ClientID]
	if !ok || existing.Revoked {
		return ErrNotFound
	}
	client.UpdatedAt = time.Now()
	s.clients[client.ClientID] = client
	return nil
}

func (s *Store) RevokeClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[clientID]; ok {
		client.Revoked = true
		return nil
	}
	return ErrNotFound
}

// Scope operations

func (s *Store) CreateScope(ctx context.Context, scope *db.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope.ID == uuid.Nil {
		scope.ID = uuid.New()
	}
	scope.CreatedAt = time.Now()
	s.scopes[scope.Name] = scope
	return nil
}

func (s *Store) GetScopeByName(ctx context.Context, name string) (*db.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope, ok := s.scopes[name]; ok {
		out := *scope
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) GetAllScopes(ctx context.Context) ([]*db.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]*db.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

func (s *Store) GetDefaultScopes(ctx context.Context) ([]*db.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scopes []*db.Scope
	for _, scope := range s.scopes {
		if scope.IsDefault {
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}

func (s *Store) UpdateScope(ctx context.Context, scope *db.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, existing := range s.scopes {
		if existing.ID == scope.ID {
			delete(s.scopes, name)
			s.scopes[scope.Name] = scope
			return nil
		}
	}
	return ErrNotFound
}

func (s *Store) DeleteScope(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[name]; !ok {
		return ErrNotFound
	}
	delete(s.scopes, name)
	return nil
}

// Authorization code operations

func (s *Store) CreateAuthorizationCode(ctx context.Context, code *db.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	code.CreatedAt = time.Now()
	s.codes[code.Code] = code
	return nil
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*db.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authCode, ok := s.codes[code]; ok {
		out := *authCode
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authCode, ok := s.codes[code]
	if !ok || authCode.Revoked {
		return false, nil
	}
	authCode.Revoked = true
	return true, nil
}

// Token operations

func (s *Store) CreateAccessToken(ctx context.Context, token *db.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.CreatedAt = time.Now()
	s.access[token.ID] = token
	return nil
}

func (s *Store) GetAccessTokenByID(ctx context.Context, id uuid.UUID) (*db.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.access[id]; ok {
		out := *token
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) RevokeAccessToken(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.access[id]; ok {
		token.Revoked = true
		return nil
	}
	return ErrNotFound
}

func (s *Store) CreateRefreshToken(ctx context.Context, token *db.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.CreatedAt = time.Now()
	s.refresh[token.ID] = token
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, id string) (*db.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.refresh[id]; ok {
		out := *token
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.refresh[id]
	if !ok || token.Revoked || time.Now().After(token.ExpiresAt) {
		return false, nil
	}
	token.Revoked = true
	return true, nil
}

// Device authorization operations

func (s *Store) CreateDeviceAuthorization(ctx context.Context, device *db.DeviceAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	device.CreatedAt = time.Now()
	s.devices[device.DeviceCode] = device
	return nil
}

func (s *Store) GetDeviceAuthorizationByDeviceCode(ctx context.Context, deviceCode string) (*db.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[deviceCode]; ok {
		out := *device
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*db.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices {
		if device.UserCode == userCode {
			out := *device
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) AuthorizeDevice(ctx context.Context, userCode string, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices {
		if device.UserCode != userCode {
			continue
		}
		if device.Status != db.DeviceStatusPending || time.Now().After(device.ExpiresAt) {
			return false, nil
		}
		device.Status = db.DeviceStatusAuthorized
		device.UserID = &userID
		return true, nil
	}
	return false, nil
}

func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceCode]
	if !ok || device.Status != db.DeviceStatusAuthorized {
		return false, nil
	}
	device.Status = db.DeviceStatusConsumed
	return true, nil
}

func (s *Store) ExpireDeviceAuthorization(ctx context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceCode]
	if !ok {
		return ErrNotFound
	}
	if device.Status == db.DeviceStatusPending || device.Status == db.DeviceStatusAuthorized {
		device.Status = db.DeviceStatusExpired
	}
	return nil
}

func (s *Store) UpdateDevicePollTime(ctx context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[deviceCode]; ok {
		now := time.Now()
		device.LastPolledAt = &now
		return nil
	}
	return ErrNotFound
}

// CIBA operations

func (s *Store) CreateCIBARequest(ctx context.Context, request *db.CIBARequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	request.CreatedAt = time.Now()
	s.ciba[request.AuthReqID] = request
	return nil
}

func (s *Store) GetCIBARequestByAuthReqID(ctx context.Context, authReqID string) (*db.CIBARequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if request, ok := s.ciba[authReqID]; ok {
		out := *request
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Store) TransitionCIBAStatus(ctx context.Context, authReqID string, from, to db.CIBAStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.ciba[authReqID]
	if !ok || request.Status != from {
		return false, nil
	}
	request.Status = to
	return true, nil
}

func (s *Store) ConsumeCIBARequest(ctx context.Context, authReqID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.ciba[authReqID]
	if !ok || request.Status != db.CIBAStatusComplete || request.Consumed {
		return false, nil
	}
	request.Consumed = true
	return true, nil
}

// Token blacklist operations

func (s *Store) BlacklistToken(ctx context.Context, entry *db.BlacklistedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	s.banned[entry.TokenHash] = entry
	return nil
}

func (s *Store) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.banned[tokenHash]
	return ok && time.Now().Before(entry.ExpiresAt), nil
}

// Maintenance operations

func (s *Store) CleanupExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for code, authCode := range s.codes {
		if now.After(authCode.ExpiresAt) {
			delete(s.codes, code)
		}
	}
	for deviceCode, device := range s.devices {
		if now.After(device.ExpiresAt) {
			delete(s.devices, deviceCode)
		}
	}
	for authReqID, request := range s.ciba {
		if now.After(request.ExpiresAt) {
			delete(s.ciba, authReqID)
		}
	}
	for hash, entry := range s.banned {
		if now.After(entry.ExpiresAt) {
			delete(s.banned, hash)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
