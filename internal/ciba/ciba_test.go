package ciba

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"authserver/internal/auth"
	"authserver/internal/db"
	"authserver/internal/db/dbtest"
	"authserver/internal/events"
	"authserver/internal/logging"
	"authserver/internal/scopes"
	"authserver/pkg/jwt"
)

type recordingNotifier struct {
	mu        sync.Mutex
	endpoints []string
	payloads  []interface{}
}

func (n *recordingNotifier) Notify(endpoint, bearerToken string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints = append(n.endpoints, endpoint)
	n.payloads = append(n.payloads, payload)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.endpoints)
}

func newTestService(t *testing.T, notifier *recordingNotifier) (*Service, *dbtest.Store) {
	t.Helper()
	store := dbtest.NewStore()
	registry := scopes.NewRegistry(store)
	ctx := context.Background()
	if err := registry.SeedDefaultScopes(ctx); err != nil {
		t.Fatalf("SeedDefaultScopes: %v", err)
	}

	logger := logging.New(logging.DefaultConfig())
	tokens := auth.NewService(
		store,
		jwt.NewManager("test-jwt-secret-at-least-32-bytes!!", "https://auth.example.com"),
		registry,
		events.NopSink{},
		logger,
		auth.Config{AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: time.Hour, IDTokenTTL: time.Hour},
	)
	service := NewService(store, tokens, registry, notifier, events.NopSink{}, logger, Config{
		DefaultExpiry: 10 * time.Minute,
		MinExpiry:     time.Minute,
		MaxExpiry:     30 * time.Minute,
		PollInterval:  5 * time.Second,
	})

	if err := store.CreateUser(ctx, &db.User{Username: "alice", Email: "alice@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return service, store
}

func aliceID(t *testing.T, store *dbtest.Store) uuid.UUID {
	t.Helper()
	user, err := store.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	return user.ID
}

func seedCIBAClient(t *testing.T, store *dbtest.Store, mode, endpoint string) *db.Client {
	t.Helper()
	client := &db.Client{
		ClientID:                 "ciba-" + mode,
		SecretHash:               "x",
		GrantTypes:               []string{GrantType},
		CIBAMode:                 mode,
		CIBANotificationEndpoint: endpoint,
	}
	if err := store.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return client
}

func TestCreateBackchannelAuthRequest(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")

	response, err := service.CreateBackchannelAuthRequest(context.Background(), client, AuthRequest{
		LoginHint:      "alice",
		Scope:          []string{"openid", "read"},
		BindingMessage: "transfer 50 EUR",
	})
	if err != nil {
		t.Fatalf("CreateBackchannelAuthRequest: %v", err)
	}
	if response.AuthReqID == "" {
		t.Error("auth_req_id missing")
	}
	if response.ExpiresIn != 600 {
		t.Errorf("got expires_in %d, want default 600", response.ExpiresIn)
	}
	if response.Interval != 5 {
		t.Errorf("got interval %d, want 5", response.Interval)
	}
}

func TestCreateClampsRequestedExpiry(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	low, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice", RequestedExpiry: time.Second})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if low.ExpiresIn != 60 {
		t.Errorf("got expires_in %d, want clamped 60", low.ExpiresIn)
	}

	high, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice", RequestedExpiry: 5 * time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if high.ExpiresIn != 1800 {
		t.Errorf("got expires_in %d, want clamped 1800", high.ExpiresIn)
	}
}

func TestCreateRejectsUnknownHint(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")

	if _, err := service.CreateBackchannelAuthRequest(context.Background(), client, AuthRequest{LoginHint: "nobody"}); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("got %v, want ErrUnknownUser", err)
	}
}

func TestCreateRejectsOversizedBindingMessage(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")

	request := AuthRequest{LoginHint: "alice", BindingMessage: strings.Repeat("x", 101)}
	if _, err := service.CreateBackchannelAuthRequest(context.Background(), client, request); !errors.Is(err, ErrInvalidBinding) {
		t.Errorf("got %v, want ErrInvalidBinding", err)
	}
}

func TestCreateRejectsBadUserCodeLength(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	for _, userCode := range []string{"123", "123456789"} {
		request := AuthRequest{LoginHint: "alice", UserCode: userCode}
		if _, err := service.CreateBackchannelAuthRequest(ctx, client, request); !errors.Is(err, ErrInvalidUserCode) {
			t.Errorf("user code %q: got %v, want ErrInvalidUserCode", userCode, err)
		}
	}
}

func TestCreateRejectsNonCIBAClient(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	plain := &db.Client{ClientID: "web", SecretHash: "x", GrantTypes: []string{"authorization_code"}}
	if err := store.CreateClient(context.Background(), plain); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := service.CreateBackchannelAuthRequest(context.Background(), plain, AuthRequest{LoginHint: "alice"}); !errors.Is(err, auth.ErrUnauthorizedClient) {
		t.Errorf("got %v, want ErrUnauthorizedClient", err)
	}
}

func TestExchangeBeforeCompletionPending(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); !errors.Is(err, ErrAuthorizationPending) {
		t.Errorf("got %v, want ErrAuthorizationPending", err)
	}
}

func TestExchangeAfterDenial(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), false); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("got %v, want ErrAccessDenied", err)
	}
}

func TestExchangeAfterCompletionExactlyOnce(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice", Scope: []string{"openid", "read"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	tokens, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Error("token pair incomplete")
	}
	if tokens.IDToken == "" {
		t.Error("openid scope but no id_token")
	}

	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); !errors.Is(err, auth.ErrInvalidGrant) {
		t.Errorf("second exchange: got %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeWithoutOpenIDScopeNoIDToken(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice", Scope: []string{"read"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	tokens, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens.IDToken != "" {
		t.Error("id_token issued without openid scope")
	}
}

func TestCompleteTwiceLoses(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), true); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), false); err == nil {
		t.Error("second completion out of a terminal state succeeded")
	}
}

func TestExchangeForeignClient(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	other := seedCIBAClient(t, store, ModePing, "https://client/cb")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.ExchangeCIBAForTokens(ctx, other, response.AuthReqID); !errors.Is(err, auth.ErrInvalidGrant) {
		t.Errorf("got %v, want ErrInvalidGrant", err)
	}
}

func TestPingModeSendsCallback(t *testing.T) {
	notifier := &recordingNotifier{}
	service, store := newTestService(t, notifier)
	client := seedCIBAClient(t, store, ModePing, "https://client/ciba-cb")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("got %d callbacks, want 1", notifier.count())
	}

	// Ping clients still redeem at the token endpoint.
	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); err != nil {
		t.Errorf("ping-mode exchange: %v", err)
	}
}

func TestPushModeDeliversTokensAndClosesExchange(t *testing.T) {
	notifier := &recordingNotifier{}
	service, store := newTestService(t, notifier)
	client := seedCIBAClient(t, store, ModePush, "https://client/ciba-cb")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, aliceID(t, store), true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("got %d callbacks, want 1", notifier.count())
	}

	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); !errors.Is(err, auth.ErrInvalidGrant) {
		t.Errorf("push-mode exchange after delivery: got %v, want ErrInvalidGrant", err)
	}
}

func TestCompleteByWrongUserRejected(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.CompleteUserAuthentication(ctx, response.AuthReqID, uuid.New(), true); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("got %v, want ErrRequestNotFound", err)
	}
	if _, err := service.ExchangeCIBAForTokens(ctx, client, response.AuthReqID); !errors.Is(err, ErrAuthorizationPending) {
		t.Errorf("request state changed by a foreign user: %v", err)
	}
}

func TestCreateResolvesIDTokenHint(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	manager := jwt.NewManager("test-jwt-secret-at-least-32-bytes!!", "https://auth.example.com")
	hint, err := manager.GenerateIDToken(aliceID(t, store).String(), client.ClientID, "", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("GenerateIDToken: %v", err)
	}

	response, err := service.CreateBackchannelAuthRequest(ctx, client, AuthRequest{IDTokenHint: hint})
	if err != nil {
		t.Fatalf("create with id_token_hint: %v", err)
	}
	record, err := store.GetCIBARequestByAuthReqID(ctx, response.AuthReqID)
	if err != nil {
		t.Fatalf("GetCIBARequestByAuthReqID: %v", err)
	}
	if record.UserID != aliceID(t, store) {
		t.Errorf("hint resolved to %v, want alice", record.UserID)
	}
}

func TestCreateWithoutAnyHintRejected(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")

	if _, err := service.CreateBackchannelAuthRequest(context.Background(), client, AuthRequest{}); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("got %v, want ErrUnknownUser", err)
	}
}

func TestPingModeResponseOmitsInterval(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePing, "https://client.example.com/notify")

	response, err := service.CreateBackchannelAuthRequest(context.Background(), client, AuthRequest{LoginHint: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if response.Interval != 0 {
		t.Errorf("ping mode got interval %d, want none", response.Interval)
	}
	payload, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(payload), "interval") {
		t.Errorf("ping mode payload carries interval: %s", payload)
	}
}

func TestExchangeExpiredCompletedRequest(t *testing.T) {
	service, store := newTestService(t, &recordingNotifier{})
	client := seedCIBAClient(t, store, ModePoll, "")
	ctx := context.Background()

	record := &db.CIBARequest{
		ID:        uuid.New(),
		AuthReqID: "stale-but-complete",
		ClientID:  client.ClientID,
		UserID:    aliceID(t, store),
		Scopes:    []string{"read"},
		Status:    db.CIBAStatusComplete,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := store.CreateCIBARequest(ctx, record); err != nil {
		t.Fatalf("CreateCIBARequest: %v", err)
	}

	if _, err := service.ExchangeCIBAForTokens(ctx, client, record.AuthReqID); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("got %v, want ErrExpiredToken", err)
	}
}
