package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminCookie         = "exphub_admin"
	adminTokenDuration  = 24 * time.Hour
	settingsKeyPassword = "admin_password"
	contextKeyAdmin     = "admin"
)

type adminClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin"`
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type SetupRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

// Admin guards operator-level controls (reorder, run-now, acting on other
// users' experiments) behind a single bcrypt-hashed password stored in the
// settings table.
type Admin struct {
	settings Settings
	secret   []byte
}

func NewAdmin(settings Settings) (*Admin, error) {
	secret, err := getOrCreateSecret(settings)
	if err != nil {
		return nil, err
	}
	return &Admin{settings: settings, secret: secret}, nil
}

func (a *Admin) setupRequired() bool {
	_, err := a.settings.GetSetting(settingsKeyPassword)
	return err != nil
}

func (a *Admin) generateToken() (string, error) {
	now := time.Now()
	claims := &adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenDuration)),
			Issuer:    "exphub",
		},
		Admin: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Admin) validateToken(tokenString string) (*adminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &adminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*adminClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *Admin) tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(adminCookie); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return authHeader[7:]
	}
	return ""
}

func (a *Admin) SetupHandler(c *gin.Context) {
	if !a.setupRequired() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "setup already completed"})
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at least 6 characters"})
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	if err := a.settings.SetSetting(settingsKeyPassword, string(hashed)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	a.setCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "setup completed"})
}

func (a *Admin) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if a.setupRequired() {
		c.JSON(http.StatusForbidden, gin.H{"error": "setup required"})
		return
	}

	hash, err := a.settings.GetSetting(settingsKeyPassword)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	a.setCookie(c, token)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Admin) LogoutHandler(c *gin.Context) {
	c.SetCookie(adminCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *Admin) StatusHandler(c *gin.Context) {
	token := a.tokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false, SetupRequired: a.setupRequired()})
		return
	}

	claims, err := a.validateToken(token)
	if err != nil {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false, SetupRequired: a.setupRequired()})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Authenticated: claims.Admin, SetupRequired: false})
}

func (a *Admin) setCookie(c *gin.Context, token string) {
	c.SetCookie(adminCookie, token, int(adminTokenDuration.Seconds()), "/", "", false, true)
}

// RequireAdmin aborts with 401 unless a valid admin token is presented.
func (a *Admin) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil || !claims.Admin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(contextKeyAdmin, true)
		c.Next()
	}
}

// OptionalAdmin records admin status without rejecting anonymous callers,
// for routes where admins may act on any experiment but users only on
// their own.
func (a *Admin) OptionalAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.tokenFromRequest(c)
		if token != "" {
			if claims, err := a.validateToken(token); err == nil && claims.Admin {
				c.Set(contextKeyAdmin, true)
			}
		}
		c.Next()
	}
}

// IsAdmin reports whether OptionalAdmin/RequireAdmin marked this request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(contextKeyAdmin)
}
