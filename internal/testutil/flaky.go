package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/errs"
)

// ErrInjected is the cause of every failure injected by FlakyStore.
var ErrInjected = errors.New("injected failure")

// FlakyStore wraps a blob.Store and fails a configurable number of calls per
// operation with a transient error before delegating.
type FlakyStore struct {
	blob.Store

	mu    sync.Mutex
	fails map[string]int
	calls map[string]int
	// AfterPut, when set, runs after a delegated Put succeeds and may replace
	// its result. It simulates a write that lands server side but whose
	// response is lost.
	AfterPut func(key string) error
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner blob.Store) *FlakyStore {
	return &FlakyStore{Store: inner, fails: map[string]int{}, calls: map[string]int{}}
}

// FailNext makes the next n calls of op ("get", "stat", "put",
// "putIfAbsent", "list") fail transiently.
func (f *FlakyStore) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
}

// Calls returns how many times op was invoked, including failed calls.
func (f *FlakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FlakyStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fails[op] > 0 {
		f.fails[op]--
		return errs.Transient(op, ErrInjected)
	}
	return nil
}

func (f *FlakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.hit("get"); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *FlakyStore) Stat(ctx context.Context, key string) (blob.Info, error) {
	if err := f.hit("stat"); err != nil {
		return blob.Info{}, err
	}
	return f.Store.Stat(ctx, key)
}

func (f *FlakyStore) Put(ctx context.Context, key string, data []byte) error {
	if err := f.hit("put"); err != nil {
		return err
	}
	if err := f.Store.Put(ctx, key, data); err != nil {
		return err
	}
	if f.AfterPut != nil {
		return f.AfterPut(key)
	}
	return nil
}

func (f *FlakyStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := f.hit("putIfAbsent"); err != nil {
		return false, err
	}
	return f.Store.PutIfAbsent(ctx, key, data)
}

func (f *FlakyStore) List(ctx context.Context, prefix string) ([]blob.Info, error) {
	if err := f.hit("list"); err != nil {
		return nil, err
	}
	return f.Store.List(ctx, prefix)
}
