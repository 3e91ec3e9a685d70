package catalog_test

import (
	"context"
	"testing"

	"github.com/fjod/go_cinema/internal/catalog"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCatalog(t *testing.T) *catalog.SQLiteCatalog {
	c, err := catalog.NewSQLiteCatalog(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations("./migrations"))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLookup_Found(t *testing.T) {
	c := setupTestCatalog(t)

	item, err := c.Lookup(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Arrival", item.Name)
	assert.Equal(t, domain.Money(999), item.Price)
}

func TestLookup_NotFound(t *testing.T) {
	c := setupTestCatalog(t)

	_, err := c.Lookup(context.Background(), 404)
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	c := setupTestCatalog(t)
	assert.NoError(t, c.RunMigrations("./migrations"))
}
