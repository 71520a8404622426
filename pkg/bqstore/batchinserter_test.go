package bqstore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/sensorhub/pkg/bqstore"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

type testPayload struct {
	ID   int    `bigquery:"id"`
	Data string `bigquery:"data"`
}

func send(b *bqstore.BatchInserter[testPayload], n int, acks, nacks *atomic.Int32) {
	for i := 0; i < n; i++ {
		b.Input() <- &types.BatchedMessage[testPayload]{
			OriginalMessage: types.ConsumedMessage{
				Ack:  func() { acks.Add(1) },
				Nack: func() { nacks.Add(1) },
			},
			Payload: &testPayload{ID: i},
		}
	}
}

func TestBatchInserter_FlushesOnSize(t *testing.T) {
	mockInserter := &MockDataBatchInserter[testPayload]{}
	inserter := bqstore.NewBatchInserter[testPayload](&bqstore.BatchInserterConfig{BatchSize: 2, FlushTimeout: time.Minute}, mockInserter, zerolog.Nop())
	inserter.Start()
	defer inserter.Stop()

	var acks, nacks atomic.Int32
	send(inserter, 4, &acks, &nacks)

	require.Eventually(t, func() bool { return acks.Load() == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, mockInserter.GetCallCount())
	for _, batch := range mockInserter.GetReceivedItems() {
		assert.Len(t, batch, 2)
	}
	assert.Zero(t, nacks.Load())
}

func TestBatchInserter_FlushesOnTimeout(t *testing.T) {
	mockInserter := &MockDataBatchInserter[testPayload]{}
	inserter := bqstore.NewBatchInserter[testPayload](&bqstore.BatchInserterConfig{BatchSize: 10, FlushTimeout: 30 * time.Millisecond}, mockInserter, zerolog.Nop())
	inserter.Start()
	defer inserter.Stop()

	var acks, nacks atomic.Int32
	send(inserter, 3, &acks, &nacks)

	require.Eventually(t, func() bool { return acks.Load() == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mockInserter.GetCallCount())
}

func TestBatchInserter_StopFlushesAndCloses(t *testing.T) {
	mockInserter := &MockDataBatchInserter[testPayload]{}
	inserter := bqstore.NewBatchInserter[testPayload](&bqstore.BatchInserterConfig{BatchSize: 10, FlushTimeout: time.Minute}, mockInserter, zerolog.Nop())
	inserter.Start()

	var acks, nacks atomic.Int32
	send(inserter, 3, &acks, &nacks)
	inserter.Stop()
	inserter.Stop()

	assert.Equal(t, int32(3), acks.Load())
	assert.Equal(t, 1, mockInserter.GetCallCount())
	assert.Equal(t, 1, mockInserter.GetCloseCount())
}

func TestBatchInserter_NacksOnInsertFailure(t *testing.T) {
	mockInserter := &MockDataBatchInserter[testPayload]{
		InsertBatchFn: func(ctx context.Context, items []*testPayload) error {
			return errors.New("simulated insert failure")
		},
	}
	inserter := bqstore.NewBatchInserter[testPayload](&bqstore.BatchInserterConfig{BatchSize: 2, FlushTimeout: time.Minute}, mockInserter, zerolog.Nop())
	inserter.Start()
	defer inserter.Stop()

	var acks, nacks atomic.Int32
	send(inserter, 2, &acks, &nacks)

	require.Eventually(t, func() bool { return nacks.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, acks.Load())
}
