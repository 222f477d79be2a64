// Package dynamo stores owners, settings, turns and pending items in one
// DynamoDB table keyed by PK = "OWNER#<id>" and a typed sort key.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nous-labs/autoreply/pkg/store"
)

const (
	skProfile    = "PROFILE"
	skSetting    = "SET#"
	skTurn       = "TURN#"
	skUserRef    = "UREF#"
	skPending    = "PEND#"
	maxTxItems   = 100
	turnSKDigits = 20
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is a store.Store on a single DynamoDB table.
type Store struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time

	mu        sync.Mutex
	lastStamp int64
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for turn sort keys.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store for tableName.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	s := &Store{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error { return nil }

func ownerPK(id int64) string {
	return "OWNER#" + strconv.FormatInt(id, 10)
}

func refKey(ref store.MessageRef) string {
	return ref.ConversationID + "#" + ref.MessageID
}

// turnSK sorts lexically in insertion order: stamp is the write time, seq
// orders turns within one write and nonce separates concurrent writers.
// CreatedAt is kept as a plain attribute; a batch of queued messages is
// written long after the messages arrived.
func turnSK(stamp int64, seq int, nonce string) string {
	return fmt.Sprintf("%s%0*d#%04d#%s", skTurn, turnSKDigits, stamp, seq, nonce)
}

// nextStamp returns a write stamp strictly greater than the previous one.
func (s *Store) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().UnixNano()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp
	return stamp
}

func (s *Store) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// queryAll follows LastEvaluatedKey until the result set is exhausted or
// max items were collected (max <= 0 means no cap).
func (s *Store) queryAll(ctx context.Context, in *dynamodb.QueryInput, max int) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if max > 0 && len(items) >= max {
			return items[:max], nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) prefixQuery(ownerID int64, prefix string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: ownerPK(ownerID)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead: aws.Bool(true),
	}
}

func (s *Store) exists(ctx context.Context, pk, sk string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  s.key(pk, sk),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, err
	}
	return out != nil && len(out.Item) > 0, nil
}

// --- settings ---

func (s *Store) GetSettings(ctx context.Context, ownerID int64) (map[string]string, error) {
	items, err := s.queryAll(ctx, s.prefixQuery(ownerID, skSetting), 0)
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetSettings: %w", err)
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, fmt.Errorf("dynamo: GetSettings: %w", err)
		}
		value, _ := strAttr(item, "value")
		out[strings.TrimPrefix(sk, skSetting)] = value
	}
	return out, nil
}

func (s *Store) SetSetting(ctx context.Context, ownerID int64, key, value string) error {
	item := s.key(ownerPK(ownerID), skSetting+key)
	item["value"] = &types.AttributeValueMemberS{Value: value}
	item["updatedAt"] = numValue(time.Now().UnixMilli())

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamo: SetSetting %s: %w", key, err)
	}
	return nil
}

// --- turns ---

func (s *Store) turnWrites(t store.Turn, sk string, now time.Time) []types.TransactWriteItem {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	pk := ownerPK(t.OwnerID)
	item := s.key(pk, sk)
	item["role"] = &types.AttributeValueMemberS{Value: string(t.Role)}
	item["text"] = &types.AttributeValueMemberS{Value: t.Text}
	item["conversationId"] = &types.AttributeValueMemberS{Value: t.Ref.ConversationID}
	item["messageId"] = &types.AttributeValueMemberS{Value: t.Ref.MessageID}
	item["createdAt"] = numValue(t.CreatedAt.UnixNano())

	writes := []types.TransactWriteItem{{
		Put: &types.Put{TableName: aws.String(s.tableName), Item: item},
	}}
	if t.Role == store.RoleUser && !t.Ref.IsZero() {
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: s.key(pk, skUserRef+refKey(t.Ref))},
		})
	}
	return writes
}

func (s *Store) AppendTurn(ctx context.Context, t store.Turn) error {
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: s.turnWrites(t, turnSK(s.nextStamp(), 0, uuid.NewString()[:8]), s.now()),
	})
	if err != nil {
		return fmt.Errorf("dynamo: AppendTurn: %w", err)
	}
	return nil
}

func (s *Store) RecentTurns(ctx context.Context, ownerID int64, limit int) ([]store.Turn, error) {
	in := s.prefixQuery(ownerID, skTurn)
	// Read newest first so the limit favors the most recent context.
	in.ScanIndexForward = aws.Bool(false)
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	items, err := s.queryAll(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("dynamo: RecentTurns: %w", err)
	}

	turns := make([]store.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(ownerID, item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: RecentTurns: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) HasUserTurn(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	ok, err := s.exists(ctx, ownerPK(ownerID), skUserRef+refKey(ref))
	if err != nil {
		return false, fmt.Errorf("dynamo: HasUserTurn: %w", err)
	}
	return ok, nil
}

// --- pending ---

func (s *Store) AddPending(ctx context.Context, p store.PendingItem) (bool, error) {
	if p.ArrivedAt.IsZero() {
		p.ArrivedAt = time.Now()
	}
	item := s.key(ownerPK(p.OwnerID), skPending+refKey(p.Ref))
	item["conversationId"] = &types.AttributeValueMemberS{Value: p.Ref.ConversationID}
	item["messageId"] = &types.AttributeValueMemberS{Value: p.Ref.MessageID}
	item["senderId"] = &types.AttributeValueMemberS{Value: p.SenderID}
	item["text"] = &types.AttributeValueMemberS{Value: p.Text}
	item["arrivedAt"] = numValue(p.ArrivedAt.UnixNano())

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamo: AddPending: %w", err)
	}
	return true, nil
}

func (s *Store) ListPending(ctx context.Context, ownerID int64) ([]store.PendingItem, error) {
	items, err := s.queryAll(ctx, s.prefixQuery(ownerID, skPending), 0)
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListPending: %w", err)
	}

	out := make([]store.PendingItem, 0, len(items))
	for _, item := range items {
		p, err := itemToPending(ownerID, item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListPending: %w", err)
		}
		out = append(out, p)
	}
	// Sort keys order by ref, not arrival.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivedAt.Before(out[j].ArrivedAt) })
	return out, nil
}

func (s *Store) CountPending(ctx context.Context, ownerID int64) (int, error) {
	in := s.prefixQuery(ownerID, skPending)
	in.Select = types.SelectCount

	total := 0
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("dynamo: CountPending: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) HasPendingRef(ctx context.Context, ownerID int64, ref store.MessageRef) (bool, error) {
	ok, err := s.exists(ctx, ownerPK(ownerID), skPending+refKey(ref))
	if err != nil {
		return false, fmt.Errorf("dynamo: HasPendingRef: %w", err)
	}
	return ok, nil
}

func (s *Store) deletePending(ownerID int64, ref store.MessageRef) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key:       s.key(ownerPK(ownerID), skPending+refKey(ref)),
		},
	}
}

func (s *Store) ClearPending(ctx context.Context, ownerID int64) error {
	items, err := s.ListPending(ctx, ownerID)
	if err != nil {
		return err
	}
	writes := make([]types.TransactWriteItem, 0, len(items))
	for _, p := range items {
		writes = append(writes, s.deletePending(ownerID, p.Ref))
	}
	if err := s.transact(ctx, writes); err != nil {
		return fmt.Errorf("dynamo: ClearPending: %w", err)
	}
	return nil
}

// CommitBatch writes all turns and removes the answered pending items in one
// transaction. Batches beyond the DynamoDB transaction size are split, turns
// first, so a failure part-way leaves the pending items in place.
func (s *Store) CommitBatch(ctx context.Context, ownerID int64, turns []store.Turn, answered []store.MessageRef) error {
	var writes []types.TransactWriteItem
	now := s.now()
	stamp := s.nextStamp()
	nonce := uuid.NewString()[:8]
	for i, t := range turns {
		if t.OwnerID != ownerID {
			return fmt.Errorf("dynamo: batch turn for owner %d committed under owner %d", t.OwnerID, ownerID)
		}
		writes = append(writes, s.turnWrites(t, turnSK(stamp, i, nonce), now)...)
	}
	for _, ref := range answered {
		writes = append(writes, s.deletePending(ownerID, ref))
	}

	if len(writes) > maxTxItems {
		slog.Warn("batch exceeds one DynamoDB transaction, committing in parts",
			"owner", ownerID,
			"writes", len(writes),
		)
	}
	if err := s.transact(ctx, writes); err != nil {
		return fmt.Errorf("dynamo: CommitBatch: %w", err)
	}
	return nil
}

func (s *Store) transact(ctx context.Context, writes []types.TransactWriteItem) error {
	for len(writes) > 0 {
		n := len(writes)
		if n > maxTxItems {
			n = maxTxItems
		}
		if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: writes[:n],
		}); err != nil {
			return err
		}
		writes = writes[n:]
	}
	return nil
}

// --- owners ---

func (s *Store) GetOwner(ctx context.Context, id int64) (store.Owner, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(ownerPK(id), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Owner{}, fmt.Errorf("dynamo: GetOwner: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return store.Owner{}, store.ErrNotFound
	}
	o, err := itemToOwner(out.Item)
	if err != nil {
		return store.Owner{}, fmt.Errorf("dynamo: GetOwner: %w", err)
	}
	return o, nil
}

func (s *Store) UpsertOwner(ctx context.Context, o store.Owner) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	update := "SET #oid = :oid, #cr = :cr, #se = :se, #st = :st, #ca = if_not_exists(#ca, :ca)"
	values := map[string]types.AttributeValue{
		":oid": numValue(o.ID),
		":cr":  &types.AttributeValueMemberS{Value: o.Credentials},
		":se":  &types.AttributeValueMemberS{Value: o.Session},
		":st":  &types.AttributeValueMemberS{Value: o.State},
		":ca":  numValue(o.CreatedAt.UnixMilli()),
	}
	names := map[string]string{
		"#oid": "ownerId",
		"#cr":  "credentials",
		"#se":  "session",
		"#st":  "state",
		"#ca":  "createdAt",
	}
	if !o.LastActivity.IsZero() {
		update += ", #la = :la"
		values[":la"] = numValue(o.LastActivity.UnixMilli())
		names["#la"] = "lastActivity"
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(ownerPK(o.ID), skProfile),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("dynamo: UpsertOwner: %w", err)
	}
	return nil
}

func (s *Store) ListOwners(ctx context.Context) ([]store.Owner, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: skProfile},
		},
	}

	var owners []store.Owner
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListOwners: %w", err)
		}
		for _, item := range out.Items {
			o, err := itemToOwner(item)
			if err != nil {
				return nil, fmt.Errorf("dynamo: ListOwners: %w", err)
			}
			owners = append(owners, o)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].ID < owners[j].ID })
	return owners, nil
}

func (s *Store) TouchOwner(ctx context.Context, id int64, at time.Time) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.key(ownerPK(id), skProfile),
		UpdateExpression:         aws.String("SET #la = :la"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#la": "lastActivity"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":la": numValue(at.UnixMilli()),
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("dynamo: TouchOwner: %w", err)
	}
	return nil
}

// --- attribute helpers ---

func numValue(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func itemToTurn(ownerID int64, item map[string]types.AttributeValue) (store.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return store.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return store.Turn{}, err
	}
	conv, _ := strAttr(item, "conversationId")
	msg, _ := strAttr(item, "messageId")
	created, _ := intAttr(item, "createdAt")
	return store.Turn{
		OwnerID:   ownerID,
		Role:      store.Role(role),
		Text:      text,
		Ref:       store.MessageRef{ConversationID: conv, MessageID: msg},
		CreatedAt: time.Unix(0, created),
	}, nil
}

func itemToPending(ownerID int64, item map[string]types.AttributeValue) (store.PendingItem, error) {
	conv, err := strAttr(item, "conversationId")
	if err != nil {
		return store.PendingItem{}, err
	}
	msg, err := strAttr(item, "messageId")
	if err != nil {
		return store.PendingItem{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return store.PendingItem{}, err
	}
	sender, _ := strAttr(item, "senderId")
	arrived, _ := intAttr(item, "arrivedAt")
	return store.PendingItem{
		OwnerID:   ownerID,
		Ref:       store.MessageRef{ConversationID: conv, MessageID: msg},
		SenderID:  sender,
		Text:      text,
		ArrivedAt: time.Unix(0, arrived),
	}, nil
}

func itemToOwner(item map[string]types.AttributeValue) (store.Owner, error) {
	id, err := intAttr(item, "ownerId")
	if err != nil {
		return store.Owner{}, err
	}
	o := store.Owner{ID: id}
	o.Credentials, _ = strAttr(item, "credentials")
	o.Session, _ = strAttr(item, "session")
	o.State, _ = strAttr(item, "state")
	if created, err := intAttr(item, "createdAt"); err == nil {
		o.CreatedAt = time.UnixMilli(created)
	}
	if seen, err := intAttr(item, "lastActivity"); err == nil && seen > 0 {
		o.LastActivity = time.UnixMilli(seen)
	}
	return o, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
