package apikey

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "apikeys.json"), testKey())
	require.NoError(t, err)
	return s
}

func TestCheckName(t *testing.T) {
	require.NoError(t, CheckName("deploy1"))
	require.NoError(t, CheckName("UPPER"))
	require.NoError(t, CheckName(strings.Repeat("a", 128)))

	var nameErr *NameError
	require.ErrorAs(t, CheckName(""), &nameErr)
	require.ErrorAs(t, CheckName(strings.Repeat("a", 129)), &nameErr)
	require.ErrorAs(t, CheckName("with space"), &nameErr)
	require.ErrorAs(t, CheckName("dash-ed"), &nameErr)
}

func TestGenerate(t *testing.T) {
	a, err := Generate(32)
	require.NoError(t, err)
	b, err := Generate(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 43) // 32 bytes, unpadded base64
}

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt(testKey(), "the secret")
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "the secret")

	plain, err := Decrypt(testKey(), sealed)
	require.NoError(t, err)
	require.Equal(t, "the secret", plain)

	// Wrong key fails.
	_, err = Decrypt([]byte(strings.Repeat("x", 32)), sealed)
	require.Error(t, err)

	// Short key is rejected.
	_, err = Encrypt([]byte("short"), "s")
	require.ErrorContains(t, err, "must be 32 bytes")
}

func TestStore_CreateListDelete(t *testing.T) {
	s := newStore(t)

	created, err := s.Create("Deploy", 32)
	require.NoError(t, err)
	require.Equal(t, "deploy", created.Name, "names are normalized")
	require.NotEmpty(t, created.Key)

	// Duplicate names are rejected case-insensitively.
	_, err = s.Create("DEPLOY", 32)
	require.ErrorIs(t, err, ErrExists)

	_, err = s.Create("ci", 32)
	require.NoError(t, err)

	keys, err := s.List()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "ci", keys[0].Name)
	require.Equal(t, "deploy", keys[1].Name)
	require.Empty(t, keys[0].Key, "list never exposes key material")

	require.NoError(t, s.Delete("deploy"))
	require.ErrorIs(t, s.Delete("deploy"), ErrNotFound)
}

func TestStore_Authenticate(t *testing.T) {
	s := newStore(t)
	created, err := s.Create("deploy", 32)
	require.NoError(t, err)

	require.NoError(t, s.Authenticate("deploy", created.Key))
	require.NoError(t, s.Authenticate("DEPLOY", created.Key), "name is case-insensitive")

	require.ErrorIs(t, s.Authenticate("deploy", "wrong"), ErrUnauthorized)
	require.ErrorIs(t, s.Authenticate("nobody", created.Key), ErrUnauthorized)

	keys, err := s.List()
	require.NoError(t, err)
	require.NotNil(t, keys[0].LastUsed, "successful auth bumps last_used")
}

func TestStore_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apikeys.json")

	s, err := NewStore(path, testKey())
	require.NoError(t, err)
	created, err := s.Create("deploy", 32)
	require.NoError(t, err)

	reopened, err := NewStore(path, testKey())
	require.NoError(t, err)
	require.NoError(t, reopened.Authenticate("deploy", created.Key))
}

func TestMiddleware(t *testing.T) {
	s := newStore(t)
	created, err := s.Create("deploy", 32)
	require.NoError(t, err)

	var called bool
	handler := Middleware(s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	// No credentials.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called)

	// Wrong key: identical response.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetBasicAuth("deploy", "wrong")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called)

	// Valid credentials.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetBasicAuth("deploy", created.Key)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
}

func TestMiddleware_NilStorePassesThrough(t *testing.T) {
	var called bool
	handler := Middleware(nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.True(t, called)
}
