package presign

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gatewayStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestPresignPutReturnsURL(t *testing.T) {
	t.Parallel()

	ts := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/presignedPutObject", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "10.1234_ab.cd", q.Get("doi"))
		require.Equal(t, "_.html.gz", q.Get("file_name"))
		require.Equal(t, "alice", q.Get("account"))
		require.Equal(t, "secret", q.Get("pass"))
		json.NewEncoder(w).Encode(map[string]any{"url": "https://minio.test/put", "reload": false})
	})

	c := NewClient(Config{Account: "alice", Password: "secret", Endpoints: []string{ts.URL}}, zap.NewNop())
	url, err := c.PresignPut(context.Background(), "10.1234_ab.cd", "_.html.gz")
	require.NoError(t, err)
	require.Equal(t, "https://minio.test/put", url)
}

func TestPresignPutConflictIsEmptyURL(t *testing.T) {
	t.Parallel()

	ts := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "doi and file have existed", "reload": false})
	})

	c := NewClient(Config{Endpoints: []string{ts.URL}}, zap.NewNop())
	url, err := c.PresignPut(context.Background(), "10.1234_ab.cd", "_.html.gz")
	require.NoError(t, err)
	require.Empty(t, url)
}

func TestPresignPutRejectedIsDistinct(t *testing.T) {
	t.Parallel()

	ts := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "Error user info!", "reload": true})
	})

	c := NewClient(Config{Endpoints: []string{ts.URL}}, zap.NewNop())
	_, err := c.PresignPut(context.Background(), "10.1234_ab.cd", "_.html.gz")
	require.ErrorIs(t, err, ErrGatewayRejected)
}

func TestPresignPutFallsBackToNextEndpoint(t *testing.T) {
	t.Parallel()

	good := gatewayStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"url": "https://minio.test/put", "reload": false})
	})

	// First endpoint refuses connections.
	c := NewClient(Config{Endpoints: []string{"http://127.0.0.1:1", good.URL}}, zap.NewNop())
	url, err := c.PresignPut(context.Background(), "10.1234_ab.cd", "_.html.gz")
	require.NoError(t, err)
	require.Equal(t, "https://minio.test/put", url)
}

func TestPresignPutAllEndpointsDown(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Endpoints: []string{"http://127.0.0.1:1", "http://127.0.0.1:2"}}, zap.NewNop())
	_, err := c.PresignPut(context.Background(), "10.1234_ab.cd", "_.html.gz")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestPreferServerOrdering(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{PreferServer: "https://my-gateway.example.com"}, zap.NewNop())
	require.Equal(t, "https://my-gateway.example.com", c.endpoints[0])
	require.Equal(t, DefaultEndpoints[0], c.endpoints[1])

	// Invalid origins are ignored rather than breaking the chain.
	c = NewClient(Config{PreferServer: "not a url"}, zap.NewNop())
	require.Equal(t, DefaultEndpoints[0], c.endpoints[0])
}
