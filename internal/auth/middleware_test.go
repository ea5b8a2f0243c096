package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eventhub/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"actor":    ActorID(c),
			"logActor": logger.GetActorID(c.Request.Context()),
		})
	})
	r.GET("/compliance", RequireRole(RoleCompliance), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func doGet(r http.Handler, path, token string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTService_TokenPair(t *testing.T) {
	svc := NewJWTService("test-secret", "eventhub", nil)

	t.Run("签发并校验访问令牌", func(t *testing.T) {
		pair, err := svc.GenerateTokenPair("ops@example.com", []string{RoleOperator})
		require.NoError(t, err)
		assert.Equal(t, "Bearer", pair.TokenType)

		claims, err := svc.ValidateToken(t.Context(), pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", claims.ActorID)
		assert.Equal(t, TokenTypeAccess, claims.TokenType)
		assert.Equal(t, []string{RoleOperator}, claims.Roles)
	})

	t.Run("刷新令牌换取新令牌对", func(t *testing.T) {
		pair, err := svc.GenerateTokenPair("ops@example.com", nil)
		require.NoError(t, err)

		_, err = svc.RefreshAccessToken(t.Context(), pair.AccessToken)
		assert.Error(t, err, "访问令牌不能用于刷新")

		refreshed, err := svc.RefreshAccessToken(t.Context(), pair.RefreshToken)
		require.NoError(t, err)
		assert.NotEmpty(t, refreshed.AccessToken)
	})

	t.Run("空操作者拒绝签发", func(t *testing.T) {
		_, err := svc.GenerateTokenPair("  ", nil)
		assert.Error(t, err)
	})

	t.Run("其他密钥或签发者的令牌无效", func(t *testing.T) {
		other := NewJWTService("other-secret", "eventhub", nil)
		pair, err := other.GenerateTokenPair("x", nil)
		require.NoError(t, err)
		_, err = svc.ValidateToken(t.Context(), pair.AccessToken)
		assert.Error(t, err)

		foreign := NewJWTService("test-secret", "someone-else", nil)
		pair, err = foreign.GenerateTokenPair("x", nil)
		require.NoError(t, err)
		_, err = svc.ValidateToken(t.Context(), pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("过期令牌无效", func(t *testing.T) {
		short := NewJWTService("test-secret", "eventhub", nil).WithExpiry(time.Millisecond, 0)
		pair, err := short.GenerateTokenPair("x", nil)
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond)
		_, err = short.ValidateToken(t.Context(), pair.AccessToken)
		assert.Error(t, err)
	})
}

func TestExtractTokenFromBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractTokenFromBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractTokenFromBearer("bearer abc"))
	assert.Equal(t, "abc", ExtractTokenFromBearer("abc"))
	assert.Equal(t, "", ExtractTokenFromBearer(""))
}

func TestAuthMiddleware(t *testing.T) {
	svc := NewJWTService("test-secret", "eventhub", nil)
	r := newTestRouter(AuthMiddleware(svc))

	t.Run("缺少令牌返回 401", func(t *testing.T) {
		w := doGet(r, "/whoami", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("刷新令牌不能访问接口", func(t *testing.T) {
		pair, err := svc.GenerateTokenPair("ops", nil)
		require.NoError(t, err)
		w := doGet(r, "/whoami", pair.RefreshToken)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("操作者写入请求上下文与日志上下文", func(t *testing.T) {
		pair, err := svc.GenerateTokenPair("ops", []string{RoleOperator})
		require.NoError(t, err)
		w := doGet(r, "/whoami", pair.AccessToken)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"actor":"ops","logActor":"ops"}`, w.Body.String())
	})

	t.Run("角色不足返回 403", func(t *testing.T) {
		pair, err := svc.GenerateTokenPair("ops", []string{RoleOperator})
		require.NoError(t, err)
		w := doGet(r, "/compliance", pair.AccessToken)
		assert.Equal(t, http.StatusForbidden, w.Code)

		pair, err = svc.GenerateTokenPair("dpo", []string{RoleCompliance})
		require.NoError(t, err)
		w = doGet(r, "/compliance", pair.AccessToken)
		assert.Equal(t, http.StatusNoContent, w.Code)

		pair, err = svc.GenerateTokenPair("root", []string{RoleAdmin})
		require.NoError(t, err)
		w = doGet(r, "/compliance", pair.AccessToken)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestHeaderActorMiddleware(t *testing.T) {
	r := newTestRouter(HeaderActorMiddleware("system"))

	w := doGet(r, "/whoami", "")
	assert.JSONEq(t, `{"actor":"system","logActor":"system"}`, w.Body.String())

	w = doGet(r, "/whoami", "", HeaderActorID, "alice")
	assert.JSONEq(t, `{"actor":"alice","logActor":"alice"}`, w.Body.String())

	w = doGet(r, "/compliance", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
