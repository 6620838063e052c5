package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// AuthService authenticates the admin operators who run settlements.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *validator.Validate
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginResponse struct {
	Token   string `json:"token"`
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	viper.SetDefault("jwt.expiry_hours", 12)
	viper.SetDefault("argon2.time", 3)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: validator.New(),
	}
}

// Login handles POST /admin/auth/login.
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Admin login attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var (
		adminID      int64
		passwordHash string
		role         string
		isActive     bool
	)
	err := s.db.QueryRow(`
		SELECT id, password_hash, role, is_active
		FROM admin_users
		WHERE email = $1
	`, req.Email).Scan(&adminID, &passwordHash, &role, &isActive)
	if err == sql.ErrNoRows || (err == nil && !isActive) {
		log.Printf("[AUTH] Login rejected for email: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		log.Printf("[AUTH] Login lookup failed: %v", err)
		SendErrorResponse(w, "Login failed", http.StatusInternalServerError, nil)
		return
	}

	if !verifyPassword(req.Password, passwordHash) {
		log.Printf("[AUTH] Invalid password for admin: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateAdminJWT(adminID, role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for admin %d: %v", adminID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE admin_users SET last_login = NOW() WHERE id = $1`, adminID); err != nil {
		log.Printf("[AUTH] Failed to update last login for admin %d: %v", adminID, err)
	}

	log.Printf("[AUTH] Login successful for admin %d", adminID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{
		Token:   token,
		AdminID: adminID,
		Email:   req.Email,
		Role:    role,
	})
}

// Logout handles POST /admin/auth/logout and blacklists the token for the
// remainder of its lifetime.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

func generateAdminJWT(adminID int64, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"admin_id": adminID,
		"role":     role,
		"exp":      time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

// HashPassword produces the salt$hash encoding stored in admin_users.
func HashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
