// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/util"
)

// DefaultDatabase is used when the connection uri does not name a database.
const DefaultDatabase = "cargo"

// Collections.
const (
	checkpoints = "checkpoints"
	works       = "works"
	accounts    = "accounts"
	ordermaps   = "ordermaps"
)

const connectTimeout = 5 * time.Second

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// mongoAccount implements a store account to MongoDB.
type mongoAccount struct {
	Addr   string `bson:"account"`
	Passwd string `bson:"passwd"`
	Cmd    string `bson:"cmdName"`
	Status string `bson:"status"`
}

func (a mongoAccount) account() (store.Account, error) {
	s, err := store.ParseStatus(a.Status)
	if err != nil {
		return store.Account{}, err
	}

	return store.Account{Addr: a.Addr, Passwd: a.Passwd, Cmd: a.Cmd, Status: s}, nil
}

// mongoOrder implements a store order map to MongoDB. BSON document keys are strings so codes are keyed by their
// decimal representation.
type mongoOrder struct {
	OriginID string            `bson:"originId"`
	Addr     string            `bson:"address"`
	Latest   int               `bson:"latest"`
	Codes    map[string]uint64 `bson:"codes"`
}

func (o mongoOrder) orderMap() store.OrderMap {
	om := store.OrderMap{OriginID: o.OriginID, Addr: o.Addr, Latest: o.Latest, Codes: make(map[int]uint64, len(o.Codes))}

	for k, v := range o.Codes {
		if c, err := strconv.Atoi(k); err == nil {
			om.Codes[c] = v
		}
	}

	return om
}

// New returns a Mongo client connection to the specified MongoDB database uri. The unique indexes of the collections
// are created if missing.
func New(uri string) (*Mongo, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid mongo DB uri %s: %w", uri, err)
	}

	name := cs.Database
	if name == "" {
		name = DefaultDatabase
	}
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	if err = c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("mongo DB not reachable: %w", err)
	}

	m := &Mongo{c: c, db: c.Database(name)}
	if err = m.ensureIndexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, err
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	idx := map[string][]mgo.IndexModel{
		checkpoints: {{Keys: bson.D{{Key: "nettype", Value: 1}}, Options: unique}},
		works: {
			{Keys: bson.D{{Key: "order", Value: 1}, {Key: "transportid", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "to", Value: 1}, {Key: "executed", Value: 1}}},
			{Keys: bson.D{{Key: "blocknumber", Value: 1}}},
		},
		accounts: {{Keys: bson.D{{Key: "account", Value: 1}}, Options: unique}},
		ordermaps: {
			{Keys: bson.D{{Key: "originId", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "address", Value: 1}}, Options: unique},
		},
	}

	for col, models := range idx {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("cannot create indexes of %s: %w", col, err)
		}
	}

	return nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Drop deletes the database.
func (m *Mongo) Drop(ctx context.Context) error {
	return m.db.Drop(ctx)
}

// LoadCheckpoint loads from db the checkpoint of the indicated blockchain.
func (m *Mongo) LoadCheckpoint(ctx context.Context, net string) (cp store.Checkpoint, err error) {
	err = m.db.Collection(checkpoints).FindOne(ctx, bson.M{"nettype": net}).Decode(&cp)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveCheckpoint saves to db the checkpoint of cp.Net.
func (m *Mongo) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) (err error) {
	_, err = m.db.Collection(checkpoints).UpdateOne(ctx,
		bson.M{"nettype": cp.Net}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "blockNumber", Value: cp.Block},
					{Key: "bh", Value: cp.Bh},
					{Key: "bhi", Value: cp.Bhi},
				},
			},
		},
		options.Update().SetUpsert(true))

	return
}

// CountWork returns the number of work items.
func (m *Mongo) CountWork(ctx context.Context) (int64, error) {
	return m.db.Collection(works).CountDocuments(ctx, bson.D{})
}

// InsertWork saves a new work item. A second item for the same order and sequence returns store.ErrDuplicated.
func (m *Mongo) InsertWork(ctx context.Context, w store.WorkItem) error {
	w.Order, w.From, w.To = strings.ToLower(w.Order), strings.ToLower(w.From), strings.ToLower(w.To)

	if _, err := m.db.Collection(works).InsertOne(ctx, w); err != nil {
		if mgo.IsDuplicateKeyError(err) {
			return store.ErrDuplicated
		}

		return fmt.Errorf("could not insert work in db: %w", err)
	}

	return nil
}

// MarkExecuted sets executed on the item of order handed to 'to' at seq.
func (m *Mongo) MarkExecuted(ctx context.Context, order, to string, seq uint64) error {
	err := m.db.Collection(works).FindOneAndUpdate(ctx,
		bson.D{{Key: "order", Value: strings.ToLower(order)}, {Key: "to", Value: strings.ToLower(to)},
			{Key: "transportid", Value: seq}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "executed", Value: true}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Err()
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrDataNotFound
	}

	return err
}

// PurgeWork deletes the items recorded in block.
func (m *Mongo) PurgeWork(ctx context.Context, block uint64) (int64, error) {
	res, err := m.db.Collection(works).DeleteMany(ctx, bson.M{"blocknumber": block})
	if err != nil {
		return 0, fmt.Errorf("could not purge works of block %d: %w", block, err)
	}

	return res.DeletedCount, nil
}

// PendingWork returns the unexecuted items handed to company.
func (m *Mongo) PendingWork(ctx context.Context, company string) ([]store.WorkItem, error) {
	cur, err := m.db.Collection(works).Find(ctx,
		bson.D{{Key: "to", Value: strings.ToLower(company)}, {Key: "executed", Value: false}},
		options.Find().SetSort(bson.D{{Key: "blocknumber", Value: 1}, {Key: "order", Value: 1},
			{Key: "transportid", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("could not find works: %w", err)
	}

	ws := []store.WorkItem{}
	if err = cur.All(ctx, &ws); err != nil {
		return nil, fmt.Errorf("could not decode works: %w", err)
	}

	return ws, nil
}

// AddAccount saves a new idle account, or returns store.ErrDuplicated.
func (m *Mongo) AddAccount(ctx context.Context, a store.Account) error {
	_, err := m.db.Collection(accounts).InsertOne(ctx, mongoAccount{
		Addr:   strings.ToLower(a.Addr),
		Passwd: a.Passwd,
		Status: store.Idle.String(),
	})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicated
	}

	return err
}

// RemoveAccount deletes an account. Duplicated accounts are not deleted.
func (m *Mongo) RemoveAccount(ctx context.Context, addr string) error {
	n, err := m.CountAccounts(ctx, addr)
	if err != nil {
		return err
	}

	switch {
	case n == 0:
		return store.ErrDataNotFound
	case n > 1:
		return store.ErrDuplicated
	}

	_, err = m.db.Collection(accounts).DeleteOne(ctx, bson.M{"account": strings.ToLower(addr)})

	return err
}

// CountAccounts returns how many accounts are stored for addr.
func (m *Mongo) CountAccounts(ctx context.Context, addr string) (int64, error) {
	return m.db.Collection(accounts).CountDocuments(ctx, bson.M{"account": strings.ToLower(addr)})
}

// GetAccount returns the account addr.
func (m *Mongo) GetAccount(ctx context.Context, addr string) (store.Account, error) {
	cur, err := m.db.Collection(accounts).Find(ctx, bson.M{"account": strings.ToLower(addr)},
		options.Find().SetLimit(2)) //nolint:gomnd // enough to detect duplicates
	if err != nil {
		return store.Account{}, fmt.Errorf("could not find account: %w", err)
	}

	var as []mongoAccount
	if err = cur.All(ctx, &as); err != nil {
		return store.Account{}, fmt.Errorf("could not decode account: %w", err)
	}

	switch len(as) {
	case 0:
		return store.Account{}, store.ErrDataNotFound
	case 1:
		return as[0].account()
	}

	return store.Account{}, store.ErrDuplicated
}

// AcquireAccount sets an idle account to proceeding with command cmd in a single conditional update.
func (m *Mongo) AcquireAccount(ctx context.Context, addr, cmd string) error {
	res, err := m.db.Collection(accounts).UpdateOne(ctx,
		bson.D{{Key: "account", Value: strings.ToLower(addr)}, {Key: "status", Value: store.Idle.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: store.Proceeding.String()},
			{Key: "cmdName", Value: cmd},
		}}})
	if err != nil {
		return fmt.Errorf("could not acquire account: %w", err)
	}

	if res.MatchedCount == 1 {
		return nil
	}

	n, err := m.CountAccounts(ctx, addr)
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrDataNotFound
	}

	return store.ErrBusy
}

// ReleaseAccount sets an account back to idle.
func (m *Mongo) ReleaseAccount(ctx context.Context, addr string) error {
	res, err := m.db.Collection(accounts).UpdateOne(ctx,
		bson.M{"account": strings.ToLower(addr)},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: store.Idle.String()}}}})
	if err != nil {
		return fmt.Errorf("could not release account: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// SaveOrder saves a new order map, or returns store.ErrDuplicated.
func (m *Mongo) SaveOrder(ctx context.Context, o store.OrderMap) error {
	mo := mongoOrder{OriginID: o.OriginID, Addr: strings.ToLower(o.Addr), Latest: o.Latest,
		Codes: make(map[string]uint64, len(o.Codes))}
	for k, v := range o.Codes {
		mo.Codes[strconv.Itoa(k)] = v
	}

	_, err := m.db.Collection(ordermaps).InsertOne(ctx, mo)
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicated
	}

	return err
}

// UpdateOrderCode sets the latest code of order addr and, for known codes, the sequence at which it was reached.
func (m *Mongo) UpdateOrderCode(ctx context.Context, addr string, code int, seq uint64) error {
	set := bson.D{{Key: "latest", Value: code}}
	if util.In(store.Codes, code) {
		set = append(set, bson.E{Key: "codes." + strconv.Itoa(code), Value: seq})
	}

	res, err := m.db.Collection(ordermaps).UpdateOne(ctx, bson.M{"address": strings.ToLower(addr)},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("could not update order: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// FindOrderByID returns the order map of originID.
func (m *Mongo) FindOrderByID(ctx context.Context, originID string) (store.OrderMap, error) {
	cur, err := m.db.Collection(ordermaps).Find(ctx, bson.M{"originId": originID},
		options.Find().SetLimit(2)) //nolint:gomnd // enough to detect duplicates
	if err != nil {
		return store.OrderMap{}, fmt.Errorf("could not find order: %w", err)
	}

	var os []mongoOrder
	if err = cur.All(ctx, &os); err != nil {
		return store.OrderMap{}, fmt.Errorf("could not decode order: %w", err)
	}

	switch len(os) {
	case 0:
		return store.OrderMap{}, store.ErrDataNotFound
	case 1:
		return os[0].orderMap(), nil
	}

	log.Errorf("Order id %s is duplicated in DB", originID)

	return store.OrderMap{}, store.ErrDuplicated
}

// FindOrderByAddress returns the order map of contract addr.
func (m *Mongo) FindOrderByAddress(ctx context.Context, addr string) (store.OrderMap, error) {
	var mo mongoOrder

	err := m.db.Collection(ordermaps).FindOne(ctx, bson.M{"address": strings.ToLower(addr)}).Decode(&mo)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.OrderMap{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.OrderMap{}, fmt.Errorf("could not find order: %w", err)
	}

	return mo.orderMap(), nil
}
