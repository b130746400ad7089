package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/exchange-api/internal/accounts"
)

func setupService(t *testing.T) *Service {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&accounts.User{}, &accounts.Holding{}))
	return NewService("test-secret", accounts.NewService(db))
}

func registerRequest(username string) RegisterRequest {
	return RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct-horse",
	}
}

func TestRegister(t *testing.T) {
	service := setupService(t)

	user, err := service.Register(registerRequest("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, user.UserID)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, user.Balance.Equal(startingBalance))

	// The password is stored hashed, never in the clear
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)

	// Usernames are unique
	_, err = service.Register(registerRequest("alice"))
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	service := setupService(t)

	_, err := service.Register(registerRequest("alice"))
	require.NoError(t, err)

	token, err := service.Login(LoginRequest{Username: "alice", Password: "correct-horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	_, err = service.Login(LoginRequest{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(LoginRequest{Username: "nobody", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenCarriesUserID(t *testing.T) {
	service := setupService(t)

	user, err := service.Register(registerRequest("alice"))
	require.NoError(t, err)

	token, err := service.Login(LoginRequest{Username: "alice", Password: "correct-horse"})
	require.NoError(t, err)

	claims, err := service.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, claims.ClientID)
	assert.Contains(t, claims.Permissions, "trade")
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	service := setupService(t)

	_, err := service.Register(registerRequest("alice"))
	require.NoError(t, err)
	token, err := service.Login(LoginRequest{Username: "alice", Password: "correct-horse"})
	require.NoError(t, err)

	other := NewService("different-secret", nil)
	_, err = other.ValidateToken(token.Token)
	assert.Error(t, err)
}
