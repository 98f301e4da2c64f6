package webhook

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyExotelSignature(t *testing.T) {
	form := url.Values{"CallSid": {"abc"}, "Status": {"completed"}}
	sig := Sign("s3cret", form)

	tests := []struct {
		name    string
		secret  string
		sig     string
		wantErr bool
	}{
		{"valid", "s3cret", sig, false},
		{"valid upper case", "s3cret", strings.ToUpper(sig), false},
		{"wrong secret", "other", sig, true},
		{"missing header", "s3cret", "", true},
		{"verification disabled", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyExotelSignature(tt.secret, form, tt.sig)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSign_OrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Add("b", "2")
	a.Add("a", "1")
	b := url.Values{}
	b.Add("a", "1")
	b.Add("b", "2")
	assert.Equal(t, Sign("k", a), Sign("k", b))
}

func TestDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewDeduper(client, time.Minute)
	ctx := context.Background()

	first, err := d.First(ctx, "CA123:completed")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = d.First(ctx, "CA123:completed")
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Minute)
	first, err = d.First(ctx, "CA123:completed")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestDeduper_WithoutRedis(t *testing.T) {
	first, err := NewDeduper(nil, 0).First(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, first)
}
