package notification

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/shopnotify/pkg/event"
)

// memoryStore は受信者と通知一覧をメモリ上に持つテスト用のRecipientStore。
type memoryStore struct {
	mu         sync.Mutex
	recipients []Recipient
	inbox      map[string][]Record
	failFor    map[string]bool
	findErr    error
}

func newMemoryStore(recipients ...Recipient) *memoryStore {
	return &memoryStore{recipients: recipients, inbox: map[string][]Record{}, failFor: map[string]bool{}}
}

func (m *memoryStore) FindRecipients(_ context.Context, audience Audience) ([]Recipient, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return audience.Filter(m.recipients), nil
}

func (m *memoryStore) AddNotification(_ context.Context, email string, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[email] {
		return false, errors.New("書き込みエラー")
	}
	if slices.ContainsFunc(m.inbox[email], func(r Record) bool { return r.ID == rec.ID }) {
		return false, nil
	}
	m.inbox[email] = append(m.inbox[email], *rec)
	return true, nil
}

func (m *memoryStore) records(email string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.inbox[email])
}

// pushed はリアルタイム配信された1件のイベント。
type pushed struct {
	event   string
	payload any
}

// recordingChannel は配信されたイベントを記録するテスト用のChannel。
type recordingChannel struct {
	mu     sync.Mutex
	pushes []pushed
	err    error
}

func (c *recordingChannel) Broadcast(_ context.Context, eventName string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.pushes = append(c.pushes, pushed{event: eventName, payload: payload})
	return nil
}

func (c *recordingChannel) all() []pushed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pushes)
}

var (
	alice = Recipient{Email: "alice@example.com", Role: RoleUser}
	bob   = Recipient{Email: "bob@example.com", Role: RoleMechanic}
	carol = Recipient{Email: "carol@example.com", Role: RoleAdmin}
	dave  = Recipient{Email: "dave@example.com", Role: RoleUser}
)

func testRecord(audience Audience) *Record {
	return &Record{
		ID:       NewID(event.KindServiceRequest, event.OperationInsert, "sr-1"),
		Message:  "New service request added!",
		Type:     TypeServiceRequest,
		Audience: audience,
	}
}

func TestFanoutDeliver(t *testing.T) {
	t.Parallel()

	t.Run("対象の受信者それぞれに1件ずつ保存し1回だけ配信すること", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice, bob, carol, dave)
		ch := &recordingChannel{}
		rec := testRecord(Audience{ExactEmail(alice.Email), RoleIn(RoleMechanic, RoleAdmin)})

		report, err := NewFanout(store, ch).Deliver(t.Context(), rec)
		require.NoError(t, err)

		assert.Equal(t, DeliveryReport{Recipients: 3, Added: 3, Pushed: true}, report)
		for _, r := range []Recipient{alice, bob, carol} {
			got := store.records(r.Email)
			require.Len(t, got, 1, r.Email)
			assert.Equal(t, rec.ID, got[0].ID)
		}
		assert.Empty(t, store.records(dave.Email))

		pushes := ch.all()
		require.Len(t, pushes, 1)
		assert.Equal(t, "serviceRequestNotification", pushes[0].event)
		assert.Same(t, rec, pushes[0].payload)
	})

	t.Run("同じ通知を再配信しても受信者ごとの件数は増えないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice, bob, carol)
		ch := &recordingChannel{}
		f := NewFanout(store, ch)
		audience := Audience{ExactEmail(alice.Email), RoleIn(RoleMechanic, RoleAdmin)}

		_, err := f.Deliver(t.Context(), testRecord(audience))
		require.NoError(t, err)
		report, err := f.Deliver(t.Context(), testRecord(audience))
		require.NoError(t, err)

		assert.Equal(t, 0, report.Added)
		assert.Equal(t, 3, report.Duplicates)
		for _, r := range []Recipient{alice, bob, carol} {
			assert.Len(t, store.records(r.Email), 1, r.Email)
		}
	})

	t.Run("一部の受信者への保存に失敗しても他の受信者には保存されること", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice, bob, carol)
		store.failFor[bob.Email] = true
		ch := &recordingChannel{}

		report, err := NewFanout(store, ch).Deliver(t.Context(), testRecord(Audience{Broadcast()}))
		require.NoError(t, err)

		assert.Equal(t, 2, report.Added)
		assert.Equal(t, 1, report.Failed)
		assert.True(t, report.Pushed)
		assert.Len(t, store.records(alice.Email), 1)
		assert.Len(t, store.records(carol.Email), 1)
	})

	t.Run("全員への保存に失敗した場合は配信しないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice)
		store.failFor[alice.Email] = true
		ch := &recordingChannel{}

		report, err := NewFanout(store, ch).Deliver(t.Context(), testRecord(Audience{Broadcast()}))
		require.NoError(t, err)
		assert.False(t, report.Pushed)
		assert.Empty(t, ch.all())
	})

	t.Run("受信者がいない場合は何もしないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(dave)
		ch := &recordingChannel{}

		report, err := NewFanout(store, ch).Deliver(t.Context(), testRecord(Audience{RoleIn(RoleAdmin)}))
		require.NoError(t, err)
		assert.Equal(t, DeliveryReport{}, report)
		assert.Empty(t, ch.all())
	})

	t.Run("配信の失敗は保存を取り消さないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice)
		ch := &recordingChannel{err: errors.New("配信エラー")}

		report, err := NewFanout(store, ch).Deliver(t.Context(), testRecord(Audience{ExactEmail(alice.Email)}))
		require.NoError(t, err)
		assert.False(t, report.Pushed)
		assert.Len(t, store.records(alice.Email), 1)
	})

	t.Run("受信者の解決に失敗した場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice)
		store.findErr = errors.New("接続断")

		_, err := NewFanout(store, nil).Deliver(t.Context(), testRecord(Audience{Broadcast()}))
		assert.Error(t, err)
	})

	t.Run("配信先がない場合は保存のみ行うこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice)

		report, err := NewFanout(store, nil).Deliver(t.Context(), testRecord(Audience{ExactEmail(alice.Email)}))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Added)
		assert.False(t, report.Pushed)
	})
}

func TestProcessorHandle(t *testing.T) {
	t.Parallel()

	t.Run("お知らせはユーザーと整備士の一覧に保存され配信されること", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice, bob, carol)
		ch := &recordingChannel{}
		p := NewProcessor(newTestSynthesizer(nil), NewFanout(store, ch))

		ev := decodedEvent(t, event.KindAnnouncement, event.OperationInsert, "an-1", map[string]any{"title": "Sale"}, nil)
		require.NoError(t, p.Handle(t.Context(), ev))

		for _, r := range []Recipient{alice, bob} {
			got := store.records(r.Email)
			require.Len(t, got, 1, r.Email)
			assert.Equal(t, "New announcement: Sale", got[0].Message)
		}
		assert.Empty(t, store.records(carol.Email))

		pushes := ch.all()
		require.Len(t, pushes, 1)
		assert.Equal(t, "announcementNotification", pushes[0].event)
	})

	t.Run("同じ変更イベントを2回処理しても通知は1件のままであること", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice, bob, carol)
		p := NewProcessor(newTestSynthesizer(nil), NewFanout(store, &recordingChannel{}))

		full := map[string]any{"userEmail": alice.Email}
		for range 2 {
			ev := decodedEvent(t, event.KindServiceRequest, event.OperationInsert, "sr-1", full, nil)
			require.NoError(t, p.Handle(t.Context(), ev))
		}

		ids := map[ID]bool{}
		for _, r := range []Recipient{alice, bob, carol} {
			got := store.records(r.Email)
			require.Len(t, got, 1, r.Email)
			ids[got[0].ID] = true
		}
		assert.Len(t, ids, 1, "全受信者で同じ通知IDを共有すること")
	})

	t.Run("通知対象外のイベントは何も保存しないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemoryStore(alice)
		ch := &recordingChannel{}
		p := NewProcessor(newTestSynthesizer(nil), NewFanout(store, ch))

		ev := decodedEvent(t, event.KindCoupon, event.OperationUpdate, "cp-1", nil, map[string]any{"code": "X"})
		require.NoError(t, p.Handle(t.Context(), ev))
		assert.Empty(t, store.records(alice.Email))
		assert.Empty(t, ch.all())
	})

	t.Run("生成に失敗した場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(newTestSynthesizer(nil), NewFanout(newMemoryStore(), nil))
		assert.Error(t, p.Handle(t.Context(), &event.ChangeEvent{Kind: event.KindCoupon}))
	})
}
