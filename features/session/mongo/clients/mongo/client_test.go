package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/conductor/runtime/session"
)

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 1, coll.indexCreated)
}

func TestNewRequiresClientAndDatabase(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = newClientWithCollection(nil, nil, 0)
	require.EqualError(t, err, "collection is required")
}

func TestWriteReadDocument(t *testing.T) {
	c, coll := mustNewTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.WriteDocument(ctx, "sess-1", []byte(`{"v":1}`)))
	doc, err := c.ReadDocument(ctx, "sess-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(doc))

	require.NoError(t, c.WriteDocument(ctx, "sess-1", []byte(`{"v":2}`)))
	doc, err = c.ReadDocument(ctx, "sess-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(doc))
	require.Len(t, coll.docs, 1)
	require.Equal(t, testNow, coll.docs["sess-1"].UpdatedAt)
}

func TestReadUnknownDocument(t *testing.T) {
	c, _ := mustNewTestClient(t)
	_, err := c.ReadDocument(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	c, _ := mustNewTestClient(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, c.WriteDocument(ctx, id, []byte(`{}`)))
	}
	require.NoError(t, c.DeleteDocument(ctx, "b"))
	require.NoError(t, c.DeleteDocument(ctx, "b"))

	ids, err := c.ListSessionIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)
}

func TestEmptySessionIDRejected(t *testing.T) {
	c, _ := mustNewTestClient(t)
	ctx := context.Background()
	_, err := c.ReadDocument(ctx, "")
	require.Error(t, err)
	require.Error(t, c.WriteDocument(ctx, "", nil))
	require.Error(t, c.DeleteDocument(ctx, ""))
}

func TestPingWithoutConnection(t *testing.T) {
	c, _ := mustNewTestClient(t)
	require.Equal(t, "session-mongo", c.Name())
	require.Error(t, c.Ping(context.Background()))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewTestClient(t *testing.T) (*client, *fakeCollection) {
	t.Helper()
	coll := newFakeCollection()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c, coll
}

type fakeCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]sessionDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: &doc}
}

func (c *fakeCollection) Find(context.Context, any, ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]sessionDocument, 0, len(c.docs))
	for _, d := range c.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].SessionID < docs[j].SessionID })
	return &fakeCursor{docs: docs, idx: -1}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	up := update.(bson.M)
	doc, ok := c.docs[id]
	if !ok {
		if len(opts) == 0 || opts[0].Upsert == nil || !*opts[0].Upsert {
			return &mongodriver.UpdateResult{}, nil
		}
		doc.SessionID = up["$setOnInsert"].(bson.M)["session_id"].(string)
	}
	set := up["$set"].(bson.M)
	if _, dup := set["session_id"]; dup {
		return nil, errors.New("conflicting update: session_id is set in both $set and $setOnInsert")
	}
	doc.Data = append([]byte(nil), set["data"].([]byte)...)
	doc.UpdatedAt = set["updated_at"].(time.Time)
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any,
	_ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{count: &c.indexCreated}
}

type fakeIndexView struct {
	count *int
}

func (v fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	*v.count++
	return "session_id_1", nil
}

type fakeSingleResult struct {
	doc *sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*sessionDocument)) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	*(val.(*sessionDocument)) = c.docs[c.idx]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}
