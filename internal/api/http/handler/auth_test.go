package handler

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/internal/api/http/dto"
	"github.com/fleetlink/fleetlink/internal/auth"
)

func setupAuthRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	const secret = "handler-test-secret"
	hash, err := auth.HashPassword("changeme")
	require.NoError(t, err)

	svc := auth.NewService(secret, time.Hour, auth.Operator{
		Username:     "admin",
		PasswordHash: hash,
	})

	h := NewAuthHandler(svc)
	r := gin.New()
	r.POST("/api/v1/auth/login", h.Login)
	return r, secret
}

func TestAuthHandler_Login(t *testing.T) {
	r, secret := setupAuthRouter(t)

	w := postJSON(t, r, "/api/v1/auth/login", dto.LoginRequest{
		Username: "admin",
		Password: "changeme",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := auth.ValidateToken(secret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	r, _ := setupAuthRouter(t)

	w := postJSON(t, r, "/api/v1/auth/login", dto.LoginRequest{
		Username: "admin",
		Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_Login_MissingFields(t *testing.T) {
	r, _ := setupAuthRouter(t)

	w := postJSON(t, r, "/api/v1/auth/login", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
