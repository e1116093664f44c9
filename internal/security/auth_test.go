package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStoreAuthenticate(t *testing.T) {
	store, err := NewUserStore(map[string]string{"engineer": "hunter2"})
	require.NoError(t, err)

	assert.NoError(t, store.Authenticate("engineer", "hunter2"))
	assert.ErrorIs(t, store.Authenticate("engineer", "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, store.Authenticate("nobody", "hunter2"), ErrUnauthorized)
}

func TestUserStoreHashesNotStoredInPlaintext(t *testing.T) {
	store, err := NewUserStore(map[string]string{"engineer": "hunter2"})
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", store.users["engineer"])
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	store, err := NewUserStore(map[string]string{"engineer": "hunter2"})
	require.NoError(t, err)

	handlerCalled := false
	handler := store.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, handlerCalled)
}

func TestMiddlewareAcceptsValidCredentials(t *testing.T) {
	store, err := NewUserStore(map[string]string{"engineer": "hunter2"})
	require.NoError(t, err)

	handler := store.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.SetBasicAuth("engineer", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareNilStoreDisablesAuth(t *testing.T) {
	var store *UserStore
	handler := store.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
