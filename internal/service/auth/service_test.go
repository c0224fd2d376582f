package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/repository"
	"github.com/lilking2007/pi-platform/pkg/config"
)

type fakeUserRepo struct {
	users map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*domain.User)}
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, user *domain.User) error {
	for _, existing := range f.users {
		if existing.Username == user.Username {
			return domain.ErrConflict
		}
	}
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	for _, user := range f.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func testService() (Service, *fakeUserRepo) {
	repo := newFakeUserRepo()
	cfg := config.AdminConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, logger, cfg), repo
}

func TestSignupAndLogin(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	user, err := svc.Signup(ctx, "alice", "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if user.Role != domain.RoleUser {
		t.Errorf("role = %s, want %s", user.Role, domain.RoleUser)
	}

	loggedIn, token, err := svc.Login(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Errorf("login returned wrong user: %s", loggedIn.ID)
	}
	if token.AccessToken == "" || token.TokenType != "bearer" {
		t.Fatalf("unexpected token payload: %+v", token)
	}

	authorized, err := svc.Authorize(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if authorized.ID != user.ID {
		t.Errorf("Authorize returned wrong user: %s", authorized.ID)
	}
}

func TestSignupRejectsEmptyFields(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "", "a@example.com", "pw"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty username: %v", err)
	}
	if _, err := svc.Signup(ctx, "bob", "b@example.com", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty password: %v", err)
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "alice", "a@example.com", "pw1"); err != nil {
		t.Fatalf("first Signup: %v", err)
	}
	if _, err := svc.Signup(ctx, "alice", "other@example.com", "pw2"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "alice", "a@example.com", "correct"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestAuthorizeRejectsGarbageToken(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	for _, token := range []string{"", "   ", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := svc.Authorize(ctx, token); err == nil {
			t.Errorf("Authorize(%q) should fail", token)
		}
	}
}
