package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:outbox_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, SQLite, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	calls     int
	failTopic map[string]error
	onPublish func(topic string)
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(map[string][]*message.Message), failTopic: make(map[string]error)}
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	if p.onPublish != nil {
		p.onPublish(topic)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.failTopic[topic]; err != nil {
		return err
	}
	p.published[topic] = append(p.published[topic], msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

func (p *recordingPublisher) setFailure(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failTopic, topic)
		return
	}
	p.failTopic[topic] = err
}
