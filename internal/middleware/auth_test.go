package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/mocks"
	"chat-gateway/internal/models"
)

func setupRouter(validator TokenValidator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Auth(validator), func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": identity.UserID, "user_id": c.GetInt64(UserIDKey)})
	})
	r.POST("/internal", InternalKey("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestAuthStoresIdentity(t *testing.T) {
	validator := new(mocks.TokenValidatorMock)
	validator.On("Validate", mock.Anything, "good").Return(models.Identity{UserID: 4, Username: "dan"}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	setupRouter(validator).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":4,"user_id":4}`, rec.Body.String())
	validator.AssertExpectations(t)
}

func TestAuthRejects(t *testing.T) {
	validator := new(mocks.TokenValidatorMock)
	validator.On("Validate", mock.Anything, "bad").Return(models.Identity{}, errs.ErrAuthenticationFailed).Once()
	router := setupRouter(validator)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me?token=bad", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	validator.AssertExpectations(t)
}

func TestInternalKey(t *testing.T) {
	router := setupRouter(new(mocks.TokenValidatorMock))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal", nil)
	req.Header.Set("X-Internal-Key", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
