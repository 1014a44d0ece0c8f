package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// seedFile lists parties and products to register at startup. Products name
// their supplier by its position in Parties, starting at 1.
type seedFile struct {
	Parties  []models.Party `json:"parties"`
	Products []struct {
		Supplier int    `json:"supplier"`
		SKU      string `json:"sku"`
		Name     string `json:"name"`
		Price    int64  `json:"price"`
	} `json:"products"`
}

func seed(ctx context.Context, repo store.Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f seedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	ids := make([]int64, len(f.Parties))
	for i := range f.Parties {
		p := f.Parties[i]
		if !p.Kind.Valid() {
			return fmt.Errorf("party %d has unknown kind %q", i+1, p.Kind)
		}
		if err := repo.CreateParty(ctx, &p); err != nil {
			return err
		}
		ids[i] = p.ID
	}

	for _, sp := range f.Products {
		if sp.Supplier < 1 || sp.Supplier > len(ids) {
			return fmt.Errorf("product %s references unknown supplier %d", sp.SKU, sp.Supplier)
		}
		product := &models.Product{SupplierID: ids[sp.Supplier-1], SKU: sp.SKU, Name: sp.Name, Price: sp.Price}
		if err := repo.CreateProduct(ctx, product); err != nil {
			return err
		}
	}

	util.GetLogger().Info("Seed data loaded",
		zap.Int("parties", len(f.Parties)),
		zap.Int("products", len(f.Products)))
	return nil
}
