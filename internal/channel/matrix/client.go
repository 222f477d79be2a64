// Package matrix implements the chat transport on Matrix using mautrix-go.
// One Session is one owner's logged-in device; its direct rooms are the
// conversations the assistant answers in.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/autoreply/pkg/channel"
)

const (
	defaultRetryAfter = 5 * time.Second
	resyncDelay       = 15 * time.Second
)

// Config holds Matrix transport configuration.
type Config struct {
	// Log receives mautrix's own logs. Zero value discards them.
	Log    *zerolog.Logger
	Logger *slog.Logger
}

// Transport opens Matrix sessions.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

// NewTransport creates a Matrix transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: cfg.Logger}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "matrix" }

// sessionData is the serialized login stored on the owner record.
type sessionData struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// EncodeSession builds the stored session for an existing access token, for
// owners provisioned from configuration instead of onboarding.
func EncodeSession(userID, deviceID, accessToken string) (string, error) {
	if userID == "" || accessToken == "" {
		return "", errors.New("matrix session: user id and access token are required")
	}
	return encodeSession(sessionData{AccessToken: accessToken, UserID: userID, DeviceID: deviceID})
}

func encodeSession(s sessionData) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSession(raw string) (sessionData, error) {
	var s sessionData
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("decode matrix session: %w", err)
	}
	if s.AccessToken == "" || s.UserID == "" {
		return s, errors.New("decode matrix session: missing access token or user id")
	}
	return s, nil
}

func (t *Transport) newClient(homeserver string, uid id.UserID, token string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, uid, token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if t.cfg.Log != nil {
		client.Log = *t.cfg.Log
	} else {
		client.Log = zerolog.Nop()
	}
	// Throttling is surfaced to the caller as channel.RetryAfterError.
	client.DefaultHTTPRetries = 0
	client.Store = mautrix.NewMemorySyncStore()
	return client, nil
}

// Connect restores a stored session and verifies it with the homeserver.
func (t *Transport) Connect(ctx context.Context, creds channel.Credentials) (channel.Session, error) {
	data, err := decodeSession(creds.Session)
	if err != nil {
		return nil, err
	}
	client, err := t.newClient(creds.Endpoint, id.UserID(data.UserID), data.AccessToken)
	if err != nil {
		return nil, err
	}
	client.DeviceID = id.DeviceID(data.DeviceID)

	who, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrix whoami: %w", err)
	}
	if who.UserID != client.UserID {
		return nil, fmt.Errorf("matrix session belongs to %s, not %s", who.UserID, client.UserID)
	}

	s := &Session{
		client: client,
		logger: t.logger.With("matrix_user", string(client.UserID)),
		rooms:  map[id.RoomID]roomInfo{},
		sent:   map[id.EventID]struct{}{},
	}
	s.self = channel.Identity{ID: string(client.UserID), Username: localpart(client.UserID)}
	if prof, err := client.GetProfile(ctx, client.UserID); err == nil {
		s.self.DisplayName = prof.DisplayName
	}
	return s, nil
}

type roomInfo struct {
	direct bool
	peer   id.UserID
}

// Session is one owner's live Matrix connection.
type Session struct {
	client    *mautrix.Client
	self      channel.Identity
	logger    *slog.Logger
	startTime int64

	mu    sync.Mutex
	rooms map[id.RoomID]roomInfo
	sent  map[id.EventID]struct{}
}

// Self returns the owner's Matrix identity.
func (s *Session) Self() channel.Identity { return s.self }

// Listen syncs until ctx is cancelled, reconnecting on transient errors.
// An invalidated access token ends the session.
func (s *Session) Listen(ctx context.Context, h channel.Handler) error {
	s.startTime = time.Now().UnixMilli()

	syncer := s.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if evt.Timestamp < s.startTime {
			return
		}
		e, ok := s.toEvent(ctx, evt)
		if !ok {
			return
		}
		h(ctx, e)
	})

	s.logger.Info("matrix session syncing")
	for {
		err := s.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("matrix session revoked: %w", err)
		}
		if err != nil {
			s.logger.Warn("matrix sync error, reconnecting", "error", err, "delay", resyncDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resyncDelay):
		}
	}
}

// toEvent converts a timeline message. Echoes of our own sends are dropped.
func (s *Session) toEvent(ctx context.Context, evt *event.Event) (channel.Event, bool) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return channel.Event{}, false
	}
	outgoing := evt.Sender == s.client.UserID
	if outgoing && s.isEcho(evt) {
		return channel.Event{}, false
	}

	room := s.room(ctx, evt.RoomID)
	e := channel.Event{
		ConversationID: string(evt.RoomID),
		MessageID:      string(evt.ID),
		SenderID:       string(evt.Sender),
		SenderUsername: localpart(evt.Sender),
		Text:           msg.Body,
		Outgoing:       outgoing,
		Kind:           channel.Group,
		Sender:         peerKind(msg),
		ReceivedAt:     time.UnixMilli(evt.Timestamp),
	}
	if room.direct {
		e.Kind = channel.Direct
		e.PeerID = string(room.peer)
	}
	return e, true
}

// isEcho reports whether evt was sent by this session. The homeserver sets
// a transaction id only for the sending device.
func (s *Session) isEcho(evt *event.Event) bool {
	if evt.Unsigned.TransactionID != "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[evt.ID]; ok {
		delete(s.sent, evt.ID)
		return true
	}
	return false
}

// room classifies a room as direct when it has exactly two joined members.
func (s *Session) room(ctx context.Context, roomID id.RoomID) roomInfo {
	s.mu.Lock()
	info, ok := s.rooms[roomID]
	s.mu.Unlock()
	if ok {
		return info
	}

	members, err := s.client.JoinedMembers(ctx, roomID)
	if err != nil {
		s.logger.Warn("joined members lookup failed", "room", roomID, "error", err)
		return roomInfo{}
	}
	if len(members.Joined) == 2 {
		for uid := range members.Joined {
			if uid != s.client.UserID {
				info = roomInfo{direct: true, peer: uid}
			}
		}
	}
	s.mu.Lock()
	s.rooms[roomID] = info
	s.mu.Unlock()
	return info
}

// Send posts a text message.
func (s *Session) Send(ctx context.Context, conversationID, text string) error {
	resp, err := s.client.SendText(ctx, id.RoomID(conversationID), text)
	if err != nil {
		if after, ok := retryAfter(err); ok {
			return &channel.RetryAfterError{After: after, Err: err}
		}
		return fmt.Errorf("matrix send: %w", err)
	}
	s.mu.Lock()
	s.sent[resp.EventID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Typing shows the typing indicator for d.
func (s *Session) Typing(ctx context.Context, conversationID string, d time.Duration) error {
	_, err := s.client.UserTyping(ctx, id.RoomID(conversationID), true, d)
	return err
}

// ResolveIdentity looks up a user by full id or by localpart on the
// owner's homeserver.
func (s *Session) ResolveIdentity(ctx context.Context, handle string) (channel.Identity, error) {
	uid, err := userID(handle, s.client.UserID.Homeserver())
	if err != nil {
		return channel.Identity{}, err
	}
	prof, err := s.client.GetProfile(ctx, uid)
	if err != nil {
		return channel.Identity{}, fmt.Errorf("matrix profile %s: %w", uid, err)
	}
	return channel.Identity{ID: string(uid), Username: localpart(uid), DisplayName: prof.DisplayName}, nil
}

// Close stops syncing.
func (s *Session) Close() error {
	s.client.StopSync()
	return nil
}

// --- Helpers ---

func peerKind(msg *event.MessageEventContent) channel.PeerKind {
	if msg.MsgType == event.MsgNotice {
		return channel.Bot
	}
	return channel.Person
}

func localpart(uid id.UserID) string {
	lp, _, err := uid.Parse()
	if err != nil {
		return strings.TrimPrefix(string(uid), "@")
	}
	return lp
}

// userID accepts "@alice:example.org", "alice:example.org" or "alice".
func userID(handle, homeserver string) (id.UserID, error) {
	handle = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" || strings.ContainsAny(handle, " \t") {
		return "", fmt.Errorf("invalid matrix handle %q", handle)
	}
	if !strings.Contains(handle, ":") {
		if homeserver == "" {
			return "", fmt.Errorf("matrix handle %q needs a server name", handle)
		}
		handle += ":" + homeserver
	}
	return id.UserID("@" + handle), nil
}

// retryAfter extracts the backoff from an M_LIMIT_EXCEEDED error.
func retryAfter(err error) (time.Duration, bool) {
	if !errors.Is(err, mautrix.MLimitExceeded) {
		return 0, false
	}
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	return defaultRetryAfter, true
}
