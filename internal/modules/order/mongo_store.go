// README: Order store backed by a MongoDB collection (document layout of the legacy service).
package order

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ordersCollection = "orders"

type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(ordersCollection)}
}

// EnsureIndexes creates the unique order_number index and the listing indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "assigned_driver_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

// NormalizeStatuses rewrites legacy status values (pending_acceptance, COMPLETED, ...)
// to the canonical enum so conditional updates can match them. Returns the number of
// documents rewritten.
func (s *MongoStore) NormalizeStatuses(ctx context.Context) (int64, error) {
	values, err := s.coll.Distinct(ctx, "status", bson.M{})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		canonical, err := ParseStatus(raw)
		if err != nil || string(canonical) == raw {
			continue
		}
		res, err := s.coll.UpdateMany(ctx, bson.M{"status": raw}, bson.M{"$set": bson.M{"status": canonical}})
		if err != nil {
			return total, err
		}
		total += res.ModifiedCount
	}
	return total, nil
}

func (s *MongoStore) Create(ctx context.Context, o *Order) error {
	_, err := s.coll.InsertOne(ctx, o)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoStore) GetByNumber(ctx context.Context, number string) (*Order, error) {
	var o Order
	err := s.coll.FindOne(ctx, bson.M{"order_number": number}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.DriverID != "" {
		filter["assigned_driver_id"] = f.DriverID
	} else if f.Unassigned {
		filter["assigned_driver_id"] = nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "order_number", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*Order
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition is one FindOneAndUpdate whose filter carries the status and driver guard.
func (s *MongoStore) Transition(ctx context.Context, t Transition) (*Order, error) {
	filter := bson.M{"order_number": t.Number, "status": t.From}
	if t.MatchDriver {
		if t.AllowUnassigned {
			filter["$or"] = bson.A{
				bson.M{"assigned_driver_id": nil},
				bson.M{"assigned_driver_id": t.DriverID},
			}
		} else {
			filter["assigned_driver_id"] = t.DriverID
		}
	}

	set := bson.M{"status": t.To, "updated_at": t.At}
	if t.DriverID != "" {
		set["assigned_driver_id"] = t.DriverID
	}
	switch t.To {
	case StatusInTransit:
		set["accepted_at"] = t.At
	case StatusDelivered:
		set["delivered_at"] = t.At
	}
	if t.ClearLocation {
		set["tracked_location"] = nil
	}

	var o Order
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) UpdateTrackedLocation(ctx context.Context, number string, loc TrackedLocation) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"order_number": number, "status": bson.M{"$ne": StatusDelivered}},
		bson.M{"$set": bson.M{"tracked_location": loc}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) AdminUpdate(ctx context.Context, number string, p Patch, at time.Time) (*Order, error) {
	set := bson.M{"updated_at": at}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.ClearDriver {
		set["assigned_driver_id"] = nil
	}
	if p.AssignedDriverID != nil {
		set["assigned_driver_id"] = *p.AssignedDriverID
	}
	if p.ItemType != nil {
		set["type_of_item"] = *p.ItemType
	}
	if p.CustomerName != nil {
		set["customer.name"] = *p.CustomerName
	}
	if p.CustomerPhone != nil {
		set["customer.phone"] = *p.CustomerPhone
	}
	if p.CustomerAddress != nil {
		set["customer.address"] = *p.CustomerAddress
	}
	if p.Rating != nil {
		set["rating"] = *p.Rating
	}

	var o Order
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"order_number": number}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) SetRating(ctx context.Context, number string, rating int, at time.Time) (*Order, error) {
	filter := bson.M{
		"order_number": number,
		"status":       StatusDelivered,
		"rating":       bson.M{"$exists": false},
	}
	var o Order
	err := s.coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"rating": rating, "updated_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) Delete(ctx context.Context, number string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"order_number": number})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) PlaceCounts(ctx context.Context, since time.Time) ([]PlaceCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": "$customer.address", "deliveries": bson.M{"$sum": 1}}}},
		{{Key: "$project", Value: bson.M{"city": "$_id", "deliveries": 1, "_id": 0}}},
		{{Key: "$sort", Value: bson.D{{Key: "deliveries", Value: -1}, {Key: "city", Value: 1}}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	out := []PlaceCount{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DailyCounts(ctx context.Context, since time.Time) ([]DayCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":    bson.M{"$dateToString": bson.M{"format": "%Y-%m-%d", "date": "$created_at"}},
			"orders": bson.M{"$sum": 1},
		}}},
		{{Key: "$project", Value: bson.M{"date": "$_id", "orders": 1, "_id": 0}}},
		{{Key: "$sort", Value: bson.M{"date": 1}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	out := []DayCount{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
