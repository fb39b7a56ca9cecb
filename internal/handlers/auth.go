package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/utils"
)

// maxFailedLogins locks an operator account until an admin resets it
const maxFailedLogins = 10

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest exchanges a refresh token for a new pair
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// login handles operator login
func (r *Router) login(w http.ResponseWriter, req *http.Request) {
	var loginReq LoginRequest
	if !decodeJSON(w, req, &loginReq) {
		return
	}

	// 1. Find operator
	var op models.Operator
	if err := r.db.WithContext(req.Context()).Where("username = ?", loginReq.Username).First(&op).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if !op.IsActive || op.FailedLoginAttempts >= maxFailedLogins {
		respondError(w, http.StatusUnauthorized, "Account disabled")
		return
	}

	// 2. Check password
	if !utils.CheckPasswordHash(loginReq.Password, op.Password) {
		r.db.Model(&op).Update("failed_login_attempts", gorm.Expr("failed_login_attempts + 1"))
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	// 3. Update last login
	now := time.Now().UTC()
	r.db.Model(&op).Updates(map[string]interface{}{"last_login": now, "failed_login_attempts": 0})
	op.LastLogin = &now

	r.issueTokens(w, &op)
}

// refreshLogin trades a refresh token for a new token pair
func (r *Router) refreshLogin(w http.ResponseWriter, req *http.Request) {
	var body RefreshRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	claims, err := utils.ValidateToken(body.RefreshToken, r.jwtSecret)
	if err != nil || !utils.IsRefreshToken(claims) {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	id, _ := claims["id"].(float64)

	var op models.Operator
	if err := r.db.WithContext(req.Context()).First(&op, uint(id)).Error; err != nil || !op.IsActive {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	r.issueTokens(w, &op)
}

func (r *Router) issueTokens(w http.ResponseWriter, op *models.Operator) {
	accessToken, refreshToken, err := utils.GenerateTokens(op, r.jwtSecret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": map[string]string{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
		},
		"operator": op,
	})
}

// EnsureAdmin creates the bootstrap admin operator if no operator with that name exists
func EnsureAdmin(ctx context.Context, db *gorm.DB, username, password string, log *zap.Logger) error {
	if username == "" || password == "" {
		return nil
	}
	var existing models.Operator
	err := db.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up admin: %w", err)
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	op := models.Operator{Username: username, Password: hashed, Name: "Administrator", Role: models.RoleAdmin, IsActive: true}
	if err := db.WithContext(ctx).Create(&op).Error; err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}
	if log != nil {
		log.Info("👤 admin operator created", zap.String("username", username))
	}
	return nil
}
