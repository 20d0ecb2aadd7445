package pluginsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/pkg/plugin"
)

func TestListEnabledPlugins(t *testing.T) {
	want := []plugin.Plugin{
		{
			UUID:       uuid.New(),
			Name:       "github-sync",
			Version:    "1.2.0",
			Enabled:    true,
			TrustLevel: plugin.TrustVerified,
			Source:     plugin.SourceUploaded,
			Manifest: plugin.Manifest{
				Name:    "github-sync",
				Version: "1.2.0",
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plugins", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("enabled"))
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second, zap.NewNop())
	got, err := c.ListEnabledPlugins(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].UUID, got[0].UUID)
	assert.Equal(t, plugin.TrustVerified, got[0].TrustLevel)
}

func TestListEnabledPlugins_server_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second, zap.NewNop())
	_, err := c.ListEnabledPlugins(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestFetchBundle(t *testing.T) {
	id := uuid.New()
	bundle := []byte("export function Panel() {}")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plugins/"+id.String()+"/bundle", r.URL.Path)
		_, _ = w.Write(bundle)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Second, zap.NewNop())
	got, err := c.FetchBundle(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)
}

func TestFetchBundle_sends_bearer_token(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	secret := []byte("test-secret")
	c := NewClient(srv.URL, NewTokenSource(secret, time.Minute), time.Second, zap.NewNop())
	_, err := c.FetchBundle(context.Background(), uuid.New())
	require.NoError(t, err)

	require.True(t, len(gotAuth) > len("Bearer "), "no bearer token sent")
	raw := gotAuth[len("Bearer "):]
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(_ *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	claims := token.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "plugin-runtime", claims.Subject)
}

func TestVerifyBundle(t *testing.T) {
	data := []byte("bundle bytes")
	sum := sha256.Sum256(data)
	info := &plugin.BundleInfo{
		Hash: hex.EncodeToString(sum[:]),
		Size: int64(len(data)),
	}

	assert.NoError(t, VerifyBundle(data, info))

	t.Run("hash_mismatch", func(t *testing.T) {
		err := VerifyBundle([]byte("tampered"), info)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hash mismatch")
	})

	t.Run("nil_metadata", func(t *testing.T) {
		assert.Error(t, VerifyBundle(data, nil))
	})
}

func TestTokenSource_reuses_until_expiry(t *testing.T) {
	ts := NewTokenSource([]byte("s"), time.Hour)

	a, err := ts.Token()
	require.NoError(t, err)
	b, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, a, b, "token should be cached while valid")
}
