package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore implements Store and CartRepository on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(cred *Credentials) (*PostgresStore, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sqlx.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	slog.Info("connected to postgres", "host", cred.Host, "db", cred.DBName)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{
		MigrationsTable: "cinema_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&pgQueries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed", "error", rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- CartRepository ---

type cartRow struct {
	Version   int64          `db:"version"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	ItemID    sql.NullInt64  `db:"item_id"`
	Name      sql.NullString `db:"name"`
	UnitPrice sql.NullInt64  `db:"unit_price"`
	AddedAt   sql.NullTime   `db:"added_at"`
}

// GetCart reads header and items in a single statement so the result is one
// consistent snapshot.
func (s *PostgresStore) GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	query := `SELECT c.version, c.created_at, c.updated_at, i.item_id, i.name, i.unit_price, i.added_at
	          FROM carts c LEFT JOIN cart_items i ON i.user_id = c.user_id
	          WHERE c.user_id = $1
	          ORDER BY i.position`

	var rows []cartRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrCartNotFound
	}

	cart := &domain.Cart{
		UserID:    userID,
		Version:   rows[0].Version,
		Items:     make([]domain.CartItem, 0, len(rows)),
		CreatedAt: rows[0].CreatedAt,
		UpdatedAt: rows[0].UpdatedAt,
	}
	for _, r := range rows {
		if !r.ItemID.Valid {
			continue
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ItemID:    r.ItemID.Int64,
			Name:      r.Name.String,
			UnitPrice: domain.Money(r.UnitPrice.Int64),
			AddedAt:   r.AddedAt.Time,
		})
	}
	return cart, nil
}

func (s *PostgresStore) AddItem(ctx context.Context, userID uuid.UUID, item domain.CartItem) (bool, error) {
	added := false
	err := s.withCartTx(ctx, userID, true, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cart_items (user_id, item_id, name, unit_price, added_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, item_id) DO NOTHING`,
			userID, item.ItemID, item.Name, item.UnitPrice, item.AddedAt)
		if err != nil {
			return fmt.Errorf("insert cart item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0
		if !added {
			return nil
		}
		return bumpCartVersion(ctx, tx, userID)
	})
	return added, err
}

func (s *PostgresStore) RemoveItem(ctx context.Context, userID uuid.UUID, itemID int64) error {
	return s.withCartTx(ctx, userID, false, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND item_id = $2`, userID, itemID)
		if err != nil {
			return fmt.Errorf("delete cart item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrItemNotFound
		}
		return bumpCartVersion(ctx, tx, userID)
	})
}

func (s *PostgresStore) RemoveItems(ctx context.Context, userID uuid.UUID, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	err := s.withCartTx(ctx, userID, false, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE user_id = $1 AND item_id = ANY($2)`,
			userID, pq.Array(itemIDs)); err != nil {
			return fmt.Errorf("delete cart items: %w", err)
		}
		return bumpCartVersion(ctx, tx, userID)
	})
	if errors.Is(err, ErrCartNotFound) {
		return nil
	}
	return err
}

func (s *PostgresStore) DeleteCart(ctx context.Context, userID uuid.UUID) error {
	err := s.withCartTx(ctx, userID, false, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return bumpCartVersion(ctx, tx, userID)
	})
	if errors.Is(err, ErrCartNotFound) {
		return nil
	}
	return err
}

// withCartTx locks the cart header row for the duration of fn, creating the
// cart first when create is set.
func (s *PostgresStore) withCartTx(ctx context.Context, userID uuid.UUID, create bool, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if create {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO carts (user_id, version, created_at, updated_at) VALUES ($1, 0, $2, $2)
			 ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
			return fmt.Errorf("create cart: %w", err)
		}
	}

	var version int64
	err = tx.GetContext(ctx, &version, `SELECT version FROM carts WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCartNotFound
	}
	if err != nil {
		return fmt.Errorf("lock cart: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func bumpCartVersion(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts SET version = version + 1, updated_at = $2 WHERE user_id = $1`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("bump cart version: %w", err)
	}
	return nil
}
