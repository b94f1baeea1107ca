package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。通知の宛先として使用する。
	Email string `json:"email"`
	// Role はユーザーのロール（user / mechanic / admin）。
	Role string `json:"role"`
}

// コンテキストキー。
const (
	ctxKeyUserID = "user_id"
	ctxKeyEmail  = "email"
	ctxKeyRole   = "role"
)

// queryKeyToken はWebSocket接続時にトークンを渡すクエリパラメータ名。
// ブラウザのWebSocket APIはヘッダーを設定できないため使用する。
const queryKeyToken = "token"

// GenerateJWT はユーザー情報からJWTトークンを生成する。
func GenerateJWT(secret, userID, email, role string) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "shopnotify",
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証してクレームを返す。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("トークンが無効です")
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンは Authorization: Bearer ヘッダー、なければ ?token= クエリから取得する。
// 検証に成功した場合、コンテキストに "user_id"、"email"、"role" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, msg := extractToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyEmail, claims.Email)
		c.Set(ctxKeyRole, claims.Role)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(queryKeyToken); q != "" {
			return q, ""
		}
		return "", "Authorizationヘッダーが必要です"
	}

	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", "Bearer トークン形式が不正です"
	}
	return tokenString, ""
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(ctxKeyEmail)
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}
