package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// signClaims は任意のクレームとアルゴリズムでトークンを署名する。
func signClaims(t *testing.T, method jwt.SigningMethod, claims JWTClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return s
}

// TestGenerateJWT はGenerateJWTとParseJWTの往復を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームと有効期限が設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now().Add(-time.Second)
		tokenStr, err := GenerateJWT(testSecret, "user-123", "test@example.com", "mechanic")
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		if claims.UserID != "user-123" || claims.Email != "test@example.com" || claims.Role != "mechanic" {
			t.Errorf("claims = %+v", claims)
		}
		if claims.Issuer != "shopnotify" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "shopnotify")
		}
		if claims.IssuedAt == nil || claims.IssuedAt.Before(before) {
			t.Errorf("IssuedAt = %v", claims.IssuedAt)
		}
		wantExp := before.Add(24 * time.Hour)
		if claims.ExpiresAt == nil || claims.ExpiresAt.Before(wantExp) || claims.ExpiresAt.After(wantExp.Add(time.Minute)) {
			t.Errorf("ExpiresAt = %v, want about %v", claims.ExpiresAt, wantExp)
		}
	})

	t.Run("異なるシークレットでは検証に失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-1", "a@example.com", "user")
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := ParseJWT("other-secret", tokenStr); err == nil {
			t.Error("ParseJWT()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	valid, err := GenerateJWT(testSecret, "user-42", "mech@example.com", "mechanic")
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
	}{
		{name: "Bearerヘッダーで認証できること", header: "Bearer " + valid, wantCode: http.StatusOK},
		{name: "tokenクエリでも認証できること", query: valid, wantCode: http.StatusOK},
		{name: "ヘッダーがクエリより優先されること", header: "Bearer broken", query: valid, wantCode: http.StatusUnauthorized},
		{name: "トークンが無い場合401になること", wantCode: http.StatusUnauthorized},
		{name: "Bearer接頭辞が無い場合401になること", header: valid, wantCode: http.StatusUnauthorized},
		{name: "壊れたトークンで401になること", header: "Bearer not.a.jwt", wantCode: http.StatusUnauthorized},
		{
			name:     "HS256以外のアルゴリズムで401になること",
			header:   "Bearer " + signClaims(t, jwt.SigningMethodHS512, JWTClaims{Email: "alg@example.com"}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "期限切れトークンで401になること",
			header: "Bearer " + signClaims(t, jwt.SigningMethodHS256, JWTClaims{
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
				Email:            "expired@example.com",
			}),
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(JWTAuth(testSecret))
			router.GET("/ws", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"user_id": GetUserID(c),
					"email":   GetEmail(c),
					"role":    GetRole(c),
				})
			})

			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, tt.wantCode, w.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if tt.wantCode != http.StatusOK {
				if body["error"] == "" {
					t.Error("エラーメッセージが空")
				}
				return
			}
			want := map[string]string{"user_id": "user-42", "email": "mech@example.com", "role": "mechanic"}
			for k, v := range want {
				if body[k] != v {
					t.Errorf("%s = %q, want %q", k, body[k], v)
				}
			}
		})
	}
}

// TestGetters はJWTAuthを通さない場合の取得関数を検証する。
func TestGetters(t *testing.T) {
	t.Parallel()

	t.Run("未設定なら空文字列を返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if GetUserID(c) != "" || GetEmail(c) != "" || GetRole(c) != "" {
			t.Error("未設定のコンテキストから値が取得された")
		}
	})

	t.Run("文字列以外の値は空文字列として扱うこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(ctxKeyEmail, 12345)
		if got := GetEmail(c); got != "" {
			t.Errorf("GetEmail() = %q, want empty string", got)
		}
	})
}
