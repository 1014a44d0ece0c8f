package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSeed(t *testing.T) {
	repo := store.NewMemoryStore()
	path := writeSeed(t, `{
		"parties": [
			{"kind": "SUPPLIER", "name": "Acme", "active": true},
			{"kind": "DISTRIBUTOR", "name": "A", "service_area": "Springfield", "active": true}
		],
		"products": [{"supplier": 1, "sku": "W-1", "name": "Widget", "price": 1000}]
	}`)

	require.NoError(t, seed(context.Background(), repo, path))

	product, err := repo.GetProductByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), product.SupplierID)

	dist, err := repo.GetPartyByID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.PartyKindDistributor, dist.Kind)
}

func TestSeed_Errors(t *testing.T) {
	repo := store.NewMemoryStore()

	bad := writeSeed(t, `{"parties": [{"kind": "ROBOT", "name": "x"}]}`)
	assert.Error(t, seed(context.Background(), repo, bad))

	dangling := writeSeed(t, `{"products": [{"supplier": 3, "sku": "W-1"}]}`)
	assert.Error(t, seed(context.Background(), repo, dangling))

	assert.Error(t, seed(context.Background(), repo, filepath.Join(t.TempDir(), "missing.json")))
}

func TestNewSigner(t *testing.T) {
	cfg := config.CustodyConfig{SupplierKeySecret: "dev-supplier-key-secret-change-me"}

	_, err := newSigner(cfg, "production")
	assert.Error(t, err)

	s, err := newSigner(cfg, "development")
	require.NoError(t, err)
	assert.NotNil(t, s.ServerPublicKey())
}
