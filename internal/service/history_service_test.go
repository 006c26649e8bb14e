package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/backend"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryService_Result(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/results/r1":
			_, _ = w.Write([]byte(`{"_id":"r1","score":12}`))
		case "/results/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := NewHistoryService(repository.NewAttemptRepository(nil), backend.NewClient(srv.URL, time.Second, zerolog.Nop()))
	ctx := context.Background()

	raw, err := svc.Result(ctx, "tok", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"r1","score":12}`, string(raw))

	_, err = svc.Result(ctx, "tok", "gone")
	assert.ErrorIs(t, err, ErrResultNotFound)

	_, err = svc.Result(ctx, "tok", "down")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
