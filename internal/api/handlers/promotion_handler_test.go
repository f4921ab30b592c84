package handlers

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curator-agent/backend/internal/storage/sqlite"
)

func newNeighborsApp(t *testing.T) *fiber.App {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "curator.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	handler := NewPromotionHandler(nil, db, nil, 100)

	app := fiber.New()
	app.Get("/api/v1/entities/:id/neighbors", handler.GetNeighbors)
	return app
}

func TestPromotionHandler_NeighborsWithoutMirror(t *testing.T) {
	app := newNeighborsApp(t)

	req := httptest.NewRequest("GET", "/api/v1/entities/some-entity/neighbors", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
