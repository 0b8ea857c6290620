package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go-pos-core/internal/middleware"
	"go-pos-core/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateUserRequest is what an admin sends to add a till operator.
type CreateUserRequest struct {
	Username         string `json:"username" binding:"required"`
	Password         string `json:"password" binding:"required,min=6"`
	Role             string `json:"role"`
	CanChangePayment bool   `json:"can_change_payment"`
}

func (a *API) Login(c *gin.Context) {
	var input LoginRequest
	// 1. Validate Input JSON
	if err := c.ShouldBindJSON(&input); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid input")
		return
	}

	// 2. Find an active user
	db, ready := a.db(c)
	if !ready {
		return
	}
	var user models.User
	if err := db.Where("username = ? AND is_active = ?", input.Username, true).First(&user).Error; err != nil {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
		return
	}

	// 3. Verify Password (Bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
		return
	}

	// 4. Generate JWT Token
	token, expires, err := a.Issuer.GenerateToken(user.ID, user.Role, user.CanChangePayment)
	if err != nil {
		a.logger().Error("token generation failed", "err", err)
		fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to generate token")
		return
	}

	ok(c, http.StatusOK, gin.H{
		"token":              token,
		"expires_at":         expires,
		"role":               user.Role,
		"username":           user.Username,
		"can_change_payment": user.CanChangePayment,
	})
}

// --- POST: /api/users (admin) ---
func (a *API) CreateUser(c *gin.Context) {
	var input CreateUserRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	switch role {
	case "":
		role = models.RoleCashier
	case models.RoleAdmin, models.RoleManager, models.RoleCashier:
	default:
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unknown role "+input.Role)
		return
	}

	// 1. Hash the Password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		fail(c, http.StatusInternalServerError, "HASH_FAILED", "Failed to hash password")
		return
	}

	user := models.User{
		Username:         strings.TrimSpace(input.Username),
		PasswordHash:     string(hashedPassword),
		Role:             role,
		CanChangePayment: input.CanChangePayment,
		IsActive:         true,
	}

	// 2. Save to DB
	db, ready := a.db(c)
	if !ready {
		return
	}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			fail(c, http.StatusConflict, "USER_EXISTS", "User already exists")
			return
		}
		a.respondError(c, err)
		return
	}
	a.logger().Info("user created", "username", user.Username, "role", user.Role, "by", middleware.UserID(c))

	ok(c, http.StatusCreated, user)
}
