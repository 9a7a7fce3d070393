package crm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givehub/crm-relay/internal/adapter/crm"
)

func TestDirectAPISuccess(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"Success":true,"OrderId":"O1"}`))
	}))
	defer srv.Close()

	c := crm.New(srv.URL, time.Second)
	env, err := c.DirectAPI(context.Background(), "/core/pledge/v2.0/",
		json.RawMessage(`{"amount":10}`), map[string]string{"Authorization": "Bearer tok"}, true)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, env.HTTPCode)
	assert.False(t, env.ErrorFlag)
	assert.JSONEq(t, `{"Success":true,"OrderId":"O1"}`, string(env.Data))
	assert.Equal(t, "req-1", env.Headers["X-Request-Id"])
	assert.Equal(t, `{"amount":10}`, string(gotBody))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestDirectAPINon2xxSetsErrorFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"down"}`))
	}))
	defer srv.Close()

	c := crm.New(srv.URL, time.Second)
	env, err := c.DirectAPI(context.Background(), "/core/pledge/v2.0/", json.RawMessage(`{}`), nil, true)
	require.NoError(t, err)

	assert.True(t, env.ErrorFlag)
	assert.Equal(t, http.StatusServiceUnavailable, env.HTTPCode)
	assert.JSONEq(t, `{"message":"down"}`, string(env.Data))
}

func TestDirectAPIAbsoluteURLBypassesBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/elsewhere", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := crm.New("https://unreachable.example", time.Second)
	env, err := c.DirectAPI(context.Background(), srv.URL+"/elsewhere", json.RawMessage(`{}`), nil, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, env.HTTPCode)
}

func TestDirectAPITimeoutReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := crm.New(srv.URL, 30*time.Millisecond)
	_, err := c.DirectAPI(context.Background(), "/slow", json.RawMessage(`{}`), nil, true)
	require.Error(t, err)
}

func TestGetTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/token", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client-1", body["client_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "tok-abc"})
	}))
	defer srv.Close()

	tc := crm.NewTokenClient(srv.URL, "client-1", time.Second)
	res, err := tc.GetToken(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "tok-abc", res.Token)
}

func TestGetTokenDeniedGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "bad client"})
	}))
	defer srv.Close()

	tc := crm.NewTokenClient(srv.URL, "client-1", time.Second)
	res, err := tc.GetToken(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "bad client", res.Error)
}

func TestGetTokenServerErrorRetriesUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tc := crm.NewTokenClient(srv.URL, "client-1", time.Second)
	_, err := tc.GetToken(context.Background())
	require.Error(t, err)
}
