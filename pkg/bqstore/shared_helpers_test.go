package bqstore_test

import (
	"context"
	"sync"
)

// MockDataBatchInserter is a mock implementation of the DataBatchInserter
// interface used for testing the BatchInserter.
type MockDataBatchInserter[T any] struct {
	mu            sync.Mutex
	InsertBatchFn func(ctx context.Context, items []*T) error
	CloseFn       func() error
	callCount     int
	closeCount    int
	receivedItems [][]*T
}

func (m *MockDataBatchInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	itemsCopy := make([]*T, len(items))
	copy(itemsCopy, items)
	m.receivedItems = append(m.receivedItems, itemsCopy)

	if m.InsertBatchFn != nil {
		return m.InsertBatchFn(ctx, items)
	}
	return nil
}

func (m *MockDataBatchInserter[T]) Close() error {
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

func (m *MockDataBatchInserter[T]) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *MockDataBatchInserter[T]) GetCloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *MockDataBatchInserter[T]) GetReceivedItems() [][]*T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedItems
}
