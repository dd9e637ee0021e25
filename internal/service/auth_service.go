package service

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"campus-import/internal/config"
	"campus-import/internal/models"
	"campus-import/internal/utils"
)

// UserStore is the account lookup surface for authentication.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type AuthService struct {
	users UserStore
	cfg   *config.Config
}

func NewAuthService(users UserStore, cfg *config.Config) *AuthService {
	return &AuthService{users: users, cfg: cfg}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"user"`
}

// Login never reveals which of email or password was wrong.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("invalid email or password")
	}
	if !user.IsActive {
		return nil, errors.New("user account is inactive")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, errors.New("invalid email or password")
	}

	establishmentID := ""
	if user.EstablishmentID != nil {
		establishmentID = *user.EstablishmentID
	}

	accessToken, err := utils.GenerateToken(user.ID, establishmentID, user.Role, s.cfg.JWTSecret, s.cfg.JWTAccessExpire)
	if err != nil {
		return nil, errors.New("failed to generate access token")
	}
	refreshToken, err := utils.GenerateToken(user.ID, establishmentID, user.Role, s.cfg.JWTSecret, s.cfg.JWTRefreshExpire)
	if err != nil {
		return nil, errors.New("failed to generate refresh token")
	}

	return &LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         *user,
	}, nil
}

func (s *AuthService) ValidateToken(tokenString string) (*utils.Claims, error) {
	return utils.ValidateToken(tokenString, s.cfg.JWTSecret)
}

func (s *AuthService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.users.FindByID(ctx, id)
}
