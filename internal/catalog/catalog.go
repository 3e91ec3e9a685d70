package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

var ErrItemNotFound = fmt.Errorf("catalog item %w", domain.ErrNotFound)

// Catalog resolves purchasable items and their current price.
type Catalog interface {
	Lookup(ctx context.Context, itemID int64) (domain.CatalogItem, error)
}

// SQLiteCatalog is a read-only catalog backed by a local SQLite file.
type SQLiteCatalog struct {
	db *sql.DB
}

func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// :memory: databases are per connection
	db.SetMaxOpenConns(1)
	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (c *SQLiteCatalog) Lookup(ctx context.Context, itemID int64) (domain.CatalogItem, error) {
	var (
		item  domain.CatalogItem
		price string
	)
	err := c.db.QueryRowContext(ctx, `SELECT id, name, price FROM movies WHERE id = ?`, itemID).
		Scan(&item.ID, &item.Name, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CatalogItem{}, fmt.Errorf("%w: id %d", ErrItemNotFound, itemID)
	}
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("failed to query item: %w", err)
	}

	item.Price, err = domain.ParseMoney(price)
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("item %d: %w", itemID, err)
	}
	return item, nil
}

func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
