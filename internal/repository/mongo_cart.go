package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// cartDocument is the stored shape; the whole cart lives in one document so
// every update and read is atomic.
type cartDocument struct {
	UserID    string            `bson:"user_id"`
	Version   int64             `bson:"version"`
	Items     []domain.CartItem `bson:"items"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type MongoCartRepository struct {
	collection *mongo.Collection
}

func NewMongoCartRepository(db *mongo.Database) *MongoCartRepository {
	return &MongoCartRepository{collection: db.Collection("carts")}
}

func (m *MongoCartRepository) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoCartRepository) GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"user_id": userID.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	items := doc.Items
	if items == nil {
		items = []domain.CartItem{}
	}
	return &domain.Cart{
		UserID:    userID,
		Version:   doc.Version,
		Items:     items,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// AddItem pushes the item only when no element with the same item_id exists,
// so concurrent duplicate adds resolve to one element.
func (m *MongoCartRepository) AddItem(ctx context.Context, userID uuid.UUID, item domain.CartItem) (bool, error) {
	now := time.Now().UTC()

	_, err := m.collection.UpdateOne(ctx,
		bson.M{"user_id": userID.String()},
		bson.M{"$setOnInsert": bson.M{
			"user_id":    userID.String(),
			"version":    int64(0),
			"items":      bson.A{},
			"created_at": now,
			"updated_at": now,
		}},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("failed to create cart: %w", err)
	}

	filter := bson.M{
		"user_id":       userID.String(),
		"items.item_id": bson.M{"$ne": item.ItemID},
	}
	update := bson.M{
		"$push": bson.M{"items": item},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"updated_at": now},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to add new item: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (m *MongoCartRepository) RemoveItem(ctx context.Context, userID uuid.UUID, itemID int64) error {
	filter := bson.M{
		"user_id":       userID.String(),
		"items.item_id": itemID,
	}
	update := bson.M{
		"$pull": bson.M{"items": bson.M{"item_id": itemID}},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (m *MongoCartRepository) RemoveItems(ctx context.Context, userID uuid.UUID, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	update := bson.M{
		"$pull": bson.M{"items": bson.M{"item_id": bson.M{"$in": itemIDs}}},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	if _, err := m.collection.UpdateOne(ctx, bson.M{"user_id": userID.String()}, update); err != nil {
		return fmt.Errorf("failed to remove items: %w", err)
	}
	return nil
}

// DeleteCart empties the cart but keeps the document so the version keeps
// increasing across checkouts.
func (m *MongoCartRepository) DeleteCart(ctx context.Context, userID uuid.UUID) error {
	update := bson.M{
		"$set": bson.M{"items": bson.A{}, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	if _, err := m.collection.UpdateOne(ctx, bson.M{"user_id": userID.String()}, update); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
