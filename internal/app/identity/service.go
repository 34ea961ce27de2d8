package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pairloom-app/project/internal/platform/auth"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidUsername     = errors.New("username is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInviteNotFound      = errors.New("invite code is invalid or already claimed")
	ErrAlreadyLinked       = errors.New("user already has a partner")
	ErrSelfLink            = errors.New("cannot link with yourself")
	ErrNotLinked           = errors.New("user has no partner")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type AuthResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	CoupleID     string `json:"couple_id,omitempty"`
}

type Service struct {
	Repo       Repository
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	uname := normalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     uname,
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	u, err := s.Repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

// CreateInvite issues a single-use code the partner redeems to link.
func (s *Service) CreateInvite(ctx context.Context, userID string) (PartnerInvite, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return PartnerInvite{}, err
	}
	if u.CoupleID != "" {
		return PartnerInvite{}, ErrAlreadyLinked
	}

	invite := PartnerInvite{Code: s.NewID(), UserID: userID}
	if err := s.Repo.CreateInvite(ctx, invite); err != nil {
		return PartnerInvite{}, err
	}
	return invite, nil
}

// LinkPartner claims an invite code and establishes the shared scope for
// both users. Linking is rejected when either side is already in a couple.
func (s *Service) LinkPartner(ctx context.Context, userID, code string) (Couple, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Couple{}, ErrInviteNotFound
	}

	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return Couple{}, err
	}
	if u.CoupleID != "" {
		return Couple{}, ErrAlreadyLinked
	}

	couple, err := s.Repo.ClaimInvite(ctx, code, s.NewID(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Couple{}, ErrInviteNotFound
		}
		return Couple{}, err
	}
	return couple, nil
}

func (s *Service) Unlink(ctx context.Context, userID string) error {
	err := s.Repo.UnlinkUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotLinked
	}
	return err
}

// ResolveCoupleID returns the user's current scope, or "" when unlinked.
func (s *Service) ResolveCoupleID(ctx context.Context, userID string) (string, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.CoupleID, nil
}

func (s *Service) CoupleForUser(ctx context.Context, userID string) (Couple, error) {
	couple, err := s.Repo.CoupleForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Couple{}, ErrNotLinked
		}
		return Couple{}, err
	}
	return couple, nil
}

func (s *Service) issueSession(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.Username)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		Token:        accessToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
		CoupleID:     user.CoupleID,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewTokenManager(secret string) auth.Manager {
	m := auth.NewManager(secret, 15*time.Minute)
	return m
}
