package exotel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresCredentials(t *testing.T) {
	assert.Nil(t, NewClient("api", "", "key", "token"))
	assert.Nil(t, NewClient("api", "sid", "", "token"))

	c := NewClient("api.in.exotel.com", "sid", "key", "token")
	require.NotNil(t, c)
	assert.Equal(t, "https://api.in.exotel.com", c.baseURL)
}

func TestGetCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/Accounts/acct/Calls/CA1.json":
			w.Write([]byte(`{"Call":{"Sid":"CA1","Status":"completed","Direction":"inbound",
				"From":"+966501234567","To":"920000000","Duration":"42",
				"RecordingUrl":"https://rec.example.com/CA1.mp3"}}`))
		case "/v1/Accounts/acct/Calls/CA2.json":
			w.Write([]byte(`{"Call":{"Sid":"CA2","Status":"in-progress","Duration":null}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient("api", "acct", "key", "token").WithBaseURL(srv.URL)

	got, err := c.GetCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "42", got.Duration)
	assert.Equal(t, "https://rec.example.com/CA1.mp3", got.RecordingURL)

	got, err = c.GetCall(context.Background(), "CA2")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", got.Status)
	assert.Empty(t, got.Duration)

	_, err = c.GetCall(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewClient("api", "acct", "key", "wrong").WithBaseURL(srv.URL).GetCall(context.Background(), "CA1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
