package httpinvoker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/toolgate/toolgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvoke_PathQueryBodySplit(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("verbose")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	inv := httpinvoker.New(server.Client(), "secret-token", testLogger())
	result, err := inv.Invoke(context.Background(), domain.InvocationDetails{
		Host:        server.URL,
		BasePath:    "/api",
		HTTPMethod:  http.MethodPost,
		HTTPPath:    "/users/{userId}/orders",
		QueryParams: []string{"verbose"},
	}, map[string]interface{}{
		"userId":  "42",
		"verbose": true,
		"amount":  7,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/users/42/orders", gotPath)
	assert.Equal(t, "true", gotQuery)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, map[string]interface{}{"amount": float64(7)}, gotBody)
	assert.Equal(t, map[string]interface{}{"ok": true}, result)
}

func TestInvoke_NonJSONResponseReturnedAsString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	inv := httpinvoker.New(server.Client(), "", testLogger())
	result, err := inv.Invoke(context.Background(), domain.InvocationDetails{
		Host:       server.URL,
		HTTPMethod: http.MethodGet,
		HTTPPath:   "/ping",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestInvoke_UpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	inv := httpinvoker.New(server.Client(), "", testLogger())
	_, err := inv.Invoke(context.Background(), domain.InvocationDetails{
		Host:       server.URL,
		HTTPMethod: http.MethodGet,
		HTTPPath:   "/x",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestInvoke_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := httpinvoker.New(server.Client(), "", testLogger())
	_, err := inv.Invoke(ctx, domain.InvocationDetails{
		Host:       server.URL,
		HTTPMethod: http.MethodGet,
		HTTPPath:   "/slow",
	}, nil)
	assert.Error(t, err)
}
