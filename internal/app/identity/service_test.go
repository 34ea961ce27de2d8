package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pairloom-app/project/internal/platform/auth"
)

type fakeRepo struct {
	users         map[string]User
	invites       map[string]PartnerInvite
	couples       map[string]Couple
	refreshByHash map[string]RefreshToken

	createErr error
	findErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		invites:       map[string]PartnerInvite{},
		couples:       map[string]Couple{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if f.findErr != nil {
		return User{}, f.findErr
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateInvite(ctx context.Context, invite PartnerInvite) error {
	f.invites[invite.Code] = invite
	return nil
}

func (f *fakeRepo) ClaimInvite(ctx context.Context, code, coupleID, claimantUserID string) (Couple, error) {
	invite, ok := f.invites[code]
	if !ok || invite.ClaimedAt != nil {
		return Couple{}, ErrNotFound
	}
	if invite.UserID == claimantUserID {
		return Couple{}, ErrSelfLink
	}
	now := time.Now().UTC()
	invite.ClaimedAt = &now
	f.invites[code] = invite

	couple := Couple{ID: coupleID, UserA: invite.UserID, UserB: claimantUserID}
	f.couples[coupleID] = couple

	for _, id := range []string{couple.UserA, couple.UserB} {
		u := f.users[id]
		u.CoupleID = coupleID
		f.users[id] = u
	}
	return couple, nil
}

func (f *fakeRepo) CoupleForUser(ctx context.Context, userID string) (Couple, error) {
	u, ok := f.users[userID]
	if !ok || u.CoupleID == "" {
		return Couple{}, ErrNotFound
	}
	return f.couples[u.CoupleID], nil
}

func (f *fakeRepo) UnlinkUser(ctx context.Context, userID string) error {
	u, ok := f.users[userID]
	if !ok || u.CoupleID == "" {
		return ErrNotFound
	}
	coupleID := u.CoupleID
	for id, other := range f.users {
		if other.CoupleID == coupleID {
			other.CoupleID = ""
			f.users[id] = other
		}
	}
	return nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	if rt.RevokedAt != nil || rt.ExpiresAt.Before(time.Now().UTC()) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func testTokenManager() auth.Manager {
	m := auth.NewManager("secret", time.Hour)
	m.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	return m
}

func sequentialIDs() func() string {
	next := 0
	return func() string {
		next++
		return fmt.Sprintf("id-%d", next)
	}
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testTokenManager())
	svc.NewID = sequentialIDs()

	reg, err := svc.Register(context.Background(), "Alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.UserID == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	login, err := svc.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatalf("unexpected refresh response: %+v", refreshed)
	}

	if err := svc.Logout(context.Background(), refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
}

func TestRegister_RejectsWeakCredentials(t *testing.T) {
	svc := NewService(newFakeRepo(), testTokenManager())
	svc.NewID = sequentialIDs()

	if _, err := svc.Register(context.Background(), "  ", "password123"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "alice", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestInviteAndLinkPartner(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "alice"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}

	svc := NewService(repo, testTokenManager())
	svc.NewID = sequentialIDs()

	invite, err := svc.CreateInvite(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}

	couple, err := svc.LinkPartner(context.Background(), "u2", invite.Code)
	if err != nil {
		t.Fatalf("LinkPartner error: %v", err)
	}
	if couple.UserA != "u1" || couple.UserB != "u2" {
		t.Fatalf("unexpected couple: %+v", couple)
	}

	scope, err := svc.ResolveCoupleID(context.Background(), "u1")
	if err != nil || scope != couple.ID {
		t.Fatalf("ResolveCoupleID = %q, %v; want %q", scope, err, couple.ID)
	}
	scope, err = svc.ResolveCoupleID(context.Background(), "u2")
	if err != nil || scope != couple.ID {
		t.Fatalf("ResolveCoupleID = %q, %v; want %q", scope, err, couple.ID)
	}
}

func TestLinkPartner_Rejections(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "alice"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.users["u3"] = User{ID: "u3", Username: "carol"}

	svc := NewService(repo, testTokenManager())
	svc.NewID = sequentialIDs()

	if _, err := svc.LinkPartner(context.Background(), "u2", "no-such-code"); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}

	invite, err := svc.CreateInvite(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}
	if _, err := svc.LinkPartner(context.Background(), "u2", invite.Code); err != nil {
		t.Fatalf("LinkPartner error: %v", err)
	}

	// single-use: the claimed code cannot link a third user
	if _, err := svc.LinkPartner(context.Background(), "u3", invite.Code); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound for claimed code, got %v", err)
	}

	// a linked user cannot create or claim another invite
	if _, err := svc.CreateInvite(context.Background(), "u1"); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
	second, err := svc.CreateInvite(context.Background(), "u3")
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}
	if _, err := svc.LinkPartner(context.Background(), "u2", second.Code); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestLinkPartner_OwnCodeLeavesNoTrace(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "alice"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}

	svc := NewService(repo, testTokenManager())
	svc.NewID = sequentialIDs()

	invite, err := svc.CreateInvite(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CreateInvite error: %v", err)
	}

	if _, err := svc.LinkPartner(context.Background(), "u1", invite.Code); !errors.Is(err, ErrSelfLink) {
		t.Fatalf("expected ErrSelfLink, got %v", err)
	}

	// rejection must not leave a couple behind or stamp the user
	if len(repo.couples) != 0 {
		t.Fatalf("self-link created a couple: %+v", repo.couples)
	}
	scope, err := svc.ResolveCoupleID(context.Background(), "u1")
	if err != nil || scope != "" {
		t.Fatalf("ResolveCoupleID = %q, %v; want empty", scope, err)
	}
	if _, err := svc.CoupleForUser(context.Background(), "u1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}

	// the untouched code still links the partner
	couple, err := svc.LinkPartner(context.Background(), "u2", invite.Code)
	if err != nil {
		t.Fatalf("LinkPartner error after rejected self-link: %v", err)
	}
	if couple.UserA != "u1" || couple.UserB != "u2" {
		t.Fatalf("unexpected couple: %+v", couple)
	}
}

func TestUnlinkClearsScope(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "alice"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}

	svc := NewService(repo, testTokenManager())
	svc.NewID = sequentialIDs()

	invite, _ := svc.CreateInvite(context.Background(), "u1")
	if _, err := svc.LinkPartner(context.Background(), "u2", invite.Code); err != nil {
		t.Fatalf("LinkPartner error: %v", err)
	}

	if err := svc.Unlink(context.Background(), "u1"); err != nil {
		t.Fatalf("Unlink error: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		scope, err := svc.ResolveCoupleID(context.Background(), id)
		if err != nil || scope != "" {
			t.Fatalf("ResolveCoupleID(%s) = %q, %v; want empty", id, scope, err)
		}
	}

	if err := svc.Unlink(context.Background(), "u1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}
