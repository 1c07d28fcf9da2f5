package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/domain"
)

type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, slog.New(slog.NewTextHandler(io.Discard, nil)))

	evt := domain.PromotionEvent{ID: "e1", UserID: "u1", From: "member", To: "organizer"}
	require.NoError(t, p.Publish(context.Background(), "u1", evt))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u1"), w.msgs[0].Key)

	var decoded domain.PromotionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "organizer", decoded.To)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherSurfacesWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewKafkaPublisherWithWriter(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, p.Publish(context.Background(), "u1", map[string]string{"a": "b"}))
	assert.Error(t, p.Publish(context.Background(), "u1", make(chan int)))
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, p.Publish(context.Background(), "u1", "hello"))
	assert.Contains(t, buf.String(), "key=u1")
}
