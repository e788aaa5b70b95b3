package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "chatgogo-service"
	anonIDKey   = "anon_id"
)

var errInvalidToken = errors.New("invalid token")

// Authenticator issues and checks the anonymous identity tokens.
type Authenticator struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// NewAuthenticator creates an Authenticator signing with secret.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Authenticator{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

// GenerateToken returns a signed token carrying anonID.
func (a *Authenticator) GenerateToken(anonID string) (string, error) {
	claims := jwt.MapClaims{
		anonIDKey: anonID,
		"exp":     a.Now().Add(a.TTL).Unix(),
		"iat":     a.Now().Unix(),
		"iss":     tokenIssuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.Secret)
}

// ValidateToken checks the signature, expiry and issuer and returns the anon ID.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (interface{}, error) { return a.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.Now),
	)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	anonID, _ := claims[anonIDKey].(string)
	if anonID == "" {
		return "", errInvalidToken
	}
	return anonID, nil
}

// GetAnonID creates a new anonymous identity and returns its token.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.New().String()

	token, err := h.Auth.GenerateToken(anonID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}

// RequireAuth rejects requests without a valid bearer token. Browsers
// cannot set headers on a WebSocket handshake, so the token may also come
// in the "token" query parameter.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
				return
			}
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}

		anonID, err := h.Auth.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		c.Set(anonIDKey, anonID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(anonIDKey)
}
