package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/autoloop/internal/types"
)

func TestFeatureCompletePostsJSON(t *testing.T) {
	var got payload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	f := &types.Feature{ID: 3, Category: "auth", Description: "login works"}
	require.NoError(t, w.FeatureComplete(context.Background(), f, 7, 4, 10))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "feature_complete", got.Event)
	assert.Equal(t, int64(3), got.FeatureID)
	assert.Equal(t, "login works", got.Description)
	assert.Equal(t, 7, got.Session)
	assert.Equal(t, 4, got.Passing)
	assert.Equal(t, 10, got.Total)
	assert.NotEmpty(t, got.Timestamp)
}

func TestFeatureCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	err := w.FeatureComplete(context.Background(), &types.Feature{Description: "f"}, 1, 1, 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFeatureCompleteUnreachableHost(t *testing.T) {
	w := NewWebhook("http://127.0.0.1:1/hook")
	err := w.FeatureComplete(context.Background(), &types.Feature{Description: "f"}, 1, 1, 1)
	assert.Error(t, err)
}

func TestDisabledWebhookIsNoop(t *testing.T) {
	w := NewWebhook("")
	assert.False(t, w.Enabled())
	assert.NoError(t, w.FeatureComplete(context.Background(), &types.Feature{Description: "f"}, 1, 1, 1))
}
