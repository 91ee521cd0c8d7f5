// Package mongodb implements the repositories on MongoDB.
//
// Every method is a single command or aggregation. Calls made with a
// mongo.SessionContext take part in its transaction.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
)

// collection implements repositories.CRUD over one MongoDB collection.
type collection[T any] struct {
	coll    *mongo.Collection
	prepare func(*T)
}

func newCollection[T any](db *mongo.Database, name string, prepare func(*T)) collection[T] {
	return collection[T]{coll: db.Collection(name), prepare: prepare}
}

func (c *collection[T]) Create(ctx context.Context, entity *T) error {
	if c.prepare != nil {
		c.prepare(entity)
	}
	if _, err := c.coll.InsertOne(ctx, entity); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to insert into %s: %w", c.coll.Name(), err)
	}
	return nil
}

func (c *collection[T]) GetByID(ctx context.Context, id uuid.UUID) (*T, error) {
	var entity T
	err := c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&entity)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from %s: %w", c.coll.Name(), err)
	}
	return &entity, nil
}

func (c *collection[T]) UpdateByID(ctx context.Context, id uuid.UUID, update query.Update, guard query.Filter) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty update", query.ErrUnsupported)
	}

	filter := append(bson.D{{Key: "_id", Value: id}}, guard.BSON()...)
	res, err := c.coll.UpdateOne(ctx, filter, update.BSON())
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update %s: %w", c.coll.Name(), err)
	}
	if res.MatchedCount == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (c *collection[T]) Count(ctx context.Context, filter query.Filter) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, filter.BSON())
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.coll.Name(), err)
	}
	return n, nil
}

// findOne returns a document matching filter, or nil when there is none.
func (c *collection[T]) findOne(ctx context.Context, filter query.Filter) (*T, error) {
	var entity T
	err := c.coll.FindOne(ctx, filter.BSON()).Decode(&entity)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find in %s: %w", c.coll.Name(), err)
	}
	return &entity, nil
}

func (c *collection[T]) deleteByID(ctx context.Context, id uuid.UUID) error {
	res, err := c.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", c.coll.Name(), err)
	}
	if res.DeletedCount == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// aggregate runs p on its root collection and decodes every document into R.
func aggregate[R any](ctx context.Context, db *mongo.Database, p *query.Pipeline) ([]R, error) {
	pipeline, err := p.BSON()
	if err != nil {
		return nil, fmt.Errorf("failed to render %s pipeline: %w", p.Collection, err)
	}

	cursor, err := db.Collection(p.Collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s pipeline: %w", p.Collection, err)
	}

	out := []R{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s pipeline: %w", p.Collection, err)
	}
	return out, nil
}
