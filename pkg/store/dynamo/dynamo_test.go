package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/autoreply/pkg/store"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	scanOuts  []*dynamodb.ScanOutput
	txErr     error

	lastGet    *dynamodb.GetItemInput
	lastPut    *dynamodb.PutItemInput
	lastUpdate *dynamodb.UpdateItemInput
	queries    []*dynamodb.QueryInput
	txs        []*dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGet = in
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, f.getErr
	}
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	copied := *in
	f.queries = append(f.queries, &copied)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if len(f.scanOuts) == 0 {
		return &dynamodb.ScanOutput{}, nil
	}
	out := f.scanOuts[0]
	f.scanOuts = f.scanOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txs = append(f.txs, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNew(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, "autoreply-test")
	require.NoError(t, err)
	return s
}

func sAttr(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }

func turnItem(text, role string, at time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        sAttr("OWNER#1"),
		"SK":        sAttr(turnSK(at.UnixNano(), 0, "x")),
		"role":      sAttr(role),
		"text":      sAttr(text),
		"createdAt": numValue(at.UnixNano()),
	}
}

func skOf(item map[string]types.AttributeValue) string {
	return item["SK"].(*types.AttributeValueMemberS).Value
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestRecentTurnsReturnsChronological(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			turnItem("third", "assistant", base.Add(2*time.Second)),
			turnItem("second", "user", base.Add(time.Second)),
			turnItem("first", "user", base),
		},
	}}}
	s := mustNew(t, db)

	turns, err := s.RecentTurns(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "first", turns[0].Text)
	assert.Equal(t, "third", turns[2].Text)
	assert.Equal(t, store.RoleAssistant, turns[2].Role)

	q := db.queries[0]
	assert.False(t, *q.ScanIndexForward, "must read newest first")
	assert.EqualValues(t, 3, *q.Limit)
}

func TestTurnSortKeysOrderLexically(t *testing.T) {
	a := turnSK(time.Unix(9, 0).UnixNano(), 0, "z")
	b := turnSK(time.Unix(10, 0).UnixNano(), 0, "a")
	assert.Less(t, a, b)
	assert.Less(t, turnSK(7, 9, "z"), turnSK(7, 10, "a"), "sequence orders turns of one write")
}

func TestWriteStampsAreMonotonic(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s, err := New(&fakeDynamo{}, "autoreply-test", WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	first := s.nextStamp()
	second := s.nextStamp()
	assert.Equal(t, fixed.UnixNano(), first)
	assert.Greater(t, second, first)
}

func TestAppendUserTurnWritesDedupMarker(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNew(t, db)

	err := s.AppendTurn(context.Background(), store.Turn{
		OwnerID: 1,
		Role:    store.RoleUser,
		Text:    "hi",
		Ref:     store.MessageRef{ConversationID: "100", MessageID: "1"},
	})
	require.NoError(t, err)
	require.Len(t, db.txs, 1)

	items := db.txs[0].TransactItems
	require.Len(t, items, 2)
	assert.True(t, strings.HasPrefix(skOf(items[0].Put.Item), skTurn))
	assert.Equal(t, "UREF#100#1", skOf(items[1].Put.Item))
}

func TestAppendAssistantTurnHasNoMarker(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNew(t, db)

	require.NoError(t, s.AppendTurn(context.Background(), store.Turn{OwnerID: 1, Role: store.RoleAssistant, Text: "hello"}))
	require.Len(t, db.txs[0].TransactItems, 1)
}

func TestHasUserTurn(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"PK": sAttr("OWNER#1")}}}
	s := mustNew(t, db)

	ok, err := s.HasUserTurn(context.Background(), 1, store.MessageRef{ConversationID: "100", MessageID: "7"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "UREF#100#7", db.lastGet.Key["SK"].(*types.AttributeValueMemberS).Value)
	assert.True(t, *db.lastGet.ConsistentRead)
}

func TestAddPendingDuplicateIsNoop(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: strPtr("exists")}}
	s := mustNew(t, db)

	inserted, err := s.AddPending(context.Background(), store.PendingItem{
		OwnerID: 1,
		Ref:     store.MessageRef{ConversationID: "100", MessageID: "1"},
		Text:    "x",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Contains(t, *db.lastPut.ConditionExpression, "attribute_not_exists")
}

func TestAddPendingPropagatesErrors(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throttled")}
	s := mustNew(t, db)

	_, err := s.AddPending(context.Background(), store.PendingItem{OwnerID: 1, Text: "x"})
	require.Error(t, err)
}

func TestListPendingSortsByArrival(t *testing.T) {
	base := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	item := func(msg string, at time.Time) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"PK":             sAttr("OWNER#1"),
			"SK":             sAttr("PEND#100#" + msg),
			"conversationId": sAttr("100"),
			"messageId":      sAttr(msg),
			"text":           sAttr("text " + msg),
			"arrivedAt":      numValue(at.UnixNano()),
		}
	}
	// Sort keys put "10" before "9"; arrival order must win.
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{item("10", base.Add(time.Minute))},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": sAttr("OWNER#1")},
		},
		{Items: []map[string]types.AttributeValue{item("9", base)}},
	}}
	s := mustNew(t, db)

	items, err := s.ListPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "9", items[0].Ref.MessageID)
	assert.Equal(t, "10", items[1].Ref.MessageID)
	assert.Len(t, db.queries, 2, "follows pagination")
}

func TestCommitBatchSingleTransaction(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNew(t, db)

	refs := []store.MessageRef{{ConversationID: "100", MessageID: "a"}, {ConversationID: "100", MessageID: "b"}}
	turns := []store.Turn{
		{OwnerID: 1, Role: store.RoleUser, Text: "a", Ref: refs[0]},
		{OwnerID: 1, Role: store.RoleUser, Text: "b", Ref: refs[1]},
		{OwnerID: 1, Role: store.RoleAssistant, Text: "reply"},
	}
	require.NoError(t, s.CommitBatch(context.Background(), 1, turns, refs))
	require.Len(t, db.txs, 1)

	items := db.txs[0].TransactItems
	// 2 user turns + 2 markers + 1 reply + 2 deletes
	require.Len(t, items, 7)
	assert.NotNil(t, items[5].Delete)
	assert.Equal(t, "PEND#100#a", items[5].Delete.Key["SK"].(*types.AttributeValueMemberS).Value)

	// Turns created in the same instant keep batch order.
	first, second := skOf(items[0].Put.Item), skOf(items[2].Put.Item)
	assert.Less(t, first, second)
}

func TestCommitBatchSplitsLargeBatches(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNew(t, db)

	var turns []store.Turn
	var refs []store.MessageRef
	for i := 0; i < 40; i++ {
		ref := store.MessageRef{ConversationID: "100", MessageID: fmt.Sprint(i)}
		refs = append(refs, ref)
		turns = append(turns, store.Turn{OwnerID: 1, Role: store.RoleUser, Text: "m", Ref: ref})
	}
	require.NoError(t, s.CommitBatch(context.Background(), 1, turns, refs))
	require.Len(t, db.txs, 2)
	assert.Len(t, db.txs[0].TransactItems, maxTxItems)
	assert.Len(t, db.txs[1].TransactItems, 120-maxTxItems)
}

func TestTouchOwnerMissing(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: strPtr("missing")}}
	s := mustNew(t, db)

	err := s.TouchOwner(context.Background(), 5, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertOwnerPreservesCreatedAt(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNew(t, db)

	require.NoError(t, s.UpsertOwner(context.Background(), store.Owner{ID: 5, State: "ready"}))
	assert.Contains(t, *db.lastUpdate.UpdateExpression, "if_not_exists(#ca, :ca)")
	assert.NotContains(t, *db.lastUpdate.UpdateExpression, "#la", "zero activity must not overwrite")
}

func TestGetOwnerNotFound(t *testing.T) {
	s := mustNew(t, &fakeDynamo{})
	_, err := s.GetOwner(context.Background(), 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOwnersPaginates(t *testing.T) {
	owner := func(id int64) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"PK":          sAttr(ownerPK(id)),
			"SK":          sAttr(skProfile),
			"ownerId":     numValue(id),
			"credentials": sAttr("https://matrix.example.org"),
			"session":     sAttr("{}"),
			"state":       sAttr("ready"),
		}
	}
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{owner(2)}, LastEvaluatedKey: map[string]types.AttributeValue{"PK": sAttr("x")}},
		{Items: []map[string]types.AttributeValue{owner(1)}},
	}}
	s := mustNew(t, db)

	owners, err := s.ListOwners(context.Background())
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.EqualValues(t, 1, owners[0].ID)
	assert.True(t, owners[1].HasSession())
}

func TestGetSettingsStripsPrefix(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			{"PK": sAttr("OWNER#1"), "SK": sAttr("SET#timezone"), "value": sAttr("UTC")},
		},
	}}}
	s := mustNew(t, db)

	got, err := s.GetSettings(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"timezone": "UTC"}, got)
}

func strPtr(s string) *string { return &s }
