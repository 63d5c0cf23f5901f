// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.astrophena.name/botcraft/internal/sandbox"
	"go.astrophena.name/botcraft/internal/store"
)

// dataStore exposes one script data scope to the sandbox, backed by the
// database with a write-through in-memory cache with TTL expiration
// based on last access time.
type dataStore struct {
	e  *Engine
	dk store.DataKey
}

var _ sandbox.DataStore = (*dataStore)(nil)

// dataCacheEntry stores the cached value and its last access time.
type dataCacheEntry struct {
	value        any
	lastAccessed time.Time
}

func (d *dataStore) cacheKey(key string) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s", d.dk.Scope, d.dk.BotToken, d.dk.UserID, key)
}

func (d *dataStore) Get(ctx context.Context, key string) (any, error) {
	ck := d.cacheKey(key)
	if entry, ok := d.e.dataCache.Load(ck); ok {
		if time.Since(entry.lastAccessed) <= d.e.dataTTL {
			entry.lastAccessed = time.Now()
			d.e.dataCache.Store(ck, entry)
			return entry.value, nil
		}
		d.e.dataCache.Delete(ck)
	}

	val, err := d.e.store.GetData(ctx, d.dk, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		d.e.dataCache.Store(ck, &dataCacheEntry{value: val, lastAccessed: time.Now()})
	}
	return val, nil
}

func (d *dataStore) Set(ctx context.Context, key string, val any) error {
	if err := d.e.store.SetData(ctx, d.dk, key, val); err != nil {
		return err
	}
	d.e.dataCache.Store(d.cacheKey(key), &dataCacheEntry{value: val, lastAccessed: time.Now()})
	return nil
}

func (d *dataStore) Delete(ctx context.Context, key string) error {
	if err := d.e.store.DeleteData(ctx, d.dk, key); err != nil {
		return err
	}
	d.e.dataCache.Delete(d.cacheKey(key))
	return nil
}

func (d *dataStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	n, err := d.e.store.IncrementData(ctx, d.dk, key, by)
	if err != nil {
		return 0, err
	}
	d.e.dataCache.Store(d.cacheKey(key), &dataCacheEntry{value: n, lastAccessed: time.Now()})
	return n, nil
}

func (d *dataStore) All(ctx context.Context) (map[string]any, error) {
	return d.e.store.AllData(ctx, d.dk)
}

func (d *dataStore) Clear(ctx context.Context) error {
	if err := d.e.store.ClearData(ctx, d.dk); err != nil {
		return err
	}
	prefix := fmt.Sprintf("%s\x00%s\x00%d\x00", d.dk.Scope, d.dk.BotToken, d.dk.UserID)
	d.e.dataCache.Range(func(key string, _ *dataCacheEntry) bool {
		if strings.HasPrefix(key, prefix) {
			d.e.dataCache.Delete(key)
		}
		return true
	})
	return nil
}
