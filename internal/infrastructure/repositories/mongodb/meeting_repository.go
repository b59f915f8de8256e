package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

// MongoMeetingRepository stores one document per meeting, keyed by a unique
// index on meetingId. Every write is a single atomic document update; ending a
// meeting is filtered on status so only one writer can succeed.
type MongoMeetingRepository struct {
	collection *mongo.Collection
}

var _ ports.MeetingRepository = (*MongoMeetingRepository)(nil)

func NewMongoMeetingRepository(ctx context.Context, db *mongo.Database, collection string) (*MongoMeetingRepository, error) {
	r := &MongoMeetingRepository{collection: db.Collection(collection)}
	if err := r.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MongoMeetingRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "meetingId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("meeting_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "lastActivity", Value: 1}},
			Options: options.Index().SetName("status_last_activity"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create meeting indexes: %w", err)
	}
	return nil
}

func (r *MongoMeetingRepository) UpsertByMeetingID(ctx context.Context, u domain.MeetingUpsert) (*domain.MeetingRoom, bool, error) {
	set := bson.M{
		"meetingId":    u.MeetingID,
		"status":       domain.MeetingActive,
		"createdBy":    bson.M{"$ifNull": bson.A{"$createdBy", u.UserID}},
		"createdAt":    bson.M{"$ifNull": bson.A{"$createdAt", u.At}},
		"lastActivity": bson.M{"$max": bson.A{bson.M{"$ifNull": bson.A{"$lastActivity", u.At}}, u.At}},
		"endedAt":      "$$REMOVE",
		"duration":     "$$REMOVE",
	}
	existing := bson.M{"$ifNull": bson.A{"$participants", bson.A{}}}
	if u.UserID != "" {
		set["participants"] = bson.M{"$cond": bson.A{
			bson.M{"$in": bson.A{u.UserID, existing}},
			existing,
			bson.M{"$concatArrays": bson.A{existing, bson.A{u.UserID}}},
		}}
	} else {
		set["participants"] = existing
	}
	if u.GroupID != "" {
		set["groupId"] = bson.M{"$ifNull": bson.A{"$groupId", u.GroupID}}
	}

	var before domain.MeetingRoom
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"meetingId": u.MeetingID},
		mongo.Pipeline{{{Key: "$set", Value: set}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.NewMeetingRoom(u), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert meeting: %w", err)
	}

	before.ApplyUpsert(u)
	return &before, false, nil
}

func (r *MongoMeetingRepository) GetByMeetingID(ctx context.Context, id domain.MeetingID) (*domain.MeetingRoom, error) {
	var m domain.MeetingRoom
	err := r.collection.FindOne(ctx, bson.M{"meetingId": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return &m, nil
}

func (r *MongoMeetingRepository) UpdateStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus, at time.Time) (*domain.MeetingRoom, bool, error) {
	var (
		filter bson.M
		update mongo.Pipeline
	)
	switch status {
	case domain.MeetingEnded:
		filter = bson.M{"meetingId": id, "status": domain.MeetingActive}
		update = mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"status":  domain.MeetingEnded,
			"endedAt": at,
			"duration": bson.M{"$toLong": bson.M{"$floor": bson.M{
				"$divide": bson.A{bson.M{"$subtract": bson.A{at, "$createdAt"}}, 1000},
			}}},
		}}}}
	case domain.MeetingActive:
		filter = bson.M{"meetingId": id, "status": domain.MeetingEnded}
		update = mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"status":       domain.MeetingActive,
			"endedAt":      "$$REMOVE",
			"duration":     "$$REMOVE",
			"lastActivity": bson.M{"$max": bson.A{"$lastActivity", at}},
		}}}}
	default:
		return nil, false, fmt.Errorf("%w: unknown meeting status %q", domain.ErrValidation, status)
	}

	var m domain.MeetingRoom
	err := r.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either missing or already in the target status.
		current, gerr := r.GetByMeetingID(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update meeting status: %w", err)
	}
	return &m, true, nil
}

func (r *MongoMeetingRepository) TouchActivity(ctx context.Context, id domain.MeetingID, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"meetingId": id, "status": domain.MeetingActive},
		bson.M{"$max": bson.M{"lastActivity": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to touch meeting: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := r.collection.CountDocuments(ctx, bson.M{"meetingId": id}, options.Count().SetLimit(1))
		if err != nil {
			return fmt.Errorf("failed to touch meeting: %w", err)
		}
		if n == 0 {
			return domain.ErrMeetingNotFound
		}
	}
	return nil
}

func (r *MongoMeetingRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.MeetingRoom, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastActivity", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection.Find(ctx, bson.M{
		"status":       domain.MeetingActive,
		"lastActivity": bson.M{"$lt": before},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale meetings: %w", err)
	}
	defer cursor.Close(ctx)

	var meetings []*domain.MeetingRoom
	if err := cursor.All(ctx, &meetings); err != nil {
		return nil, fmt.Errorf("failed to decode stale meetings: %w", err)
	}
	return meetings, nil
}

func (r *MongoMeetingRepository) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}
