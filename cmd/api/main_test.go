package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditgate/internal/app"
	"github.com/kelpejol/creditgate/internal/config"
)

func TestSetupLoggerFallsBackToInfo(t *testing.T) {
	logger := setupLogger("loud", "production")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger = setupLogger("debug", "development")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestCreateHTTPServerServesRoutes(t *testing.T) {
	cfg := &config.Config{
		HTTPPort:            "0",
		StoreDriver:         config.DriverMemory,
		LedgerTxTimeout:     time.Second,
		TaskWorkers:         1,
		TaskQueueSize:       10,
		StorageDir:          t.TempDir(),
		StoragePublicURL:    "http://localhost/media",
		StripeWebhookSecret: "whsec_test",
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	srv := createHTTPServer(cfg, a, zerolog.Nop())
	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, 2*time.Minute, srv.WriteTimeout)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/webhooks/stripe", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
