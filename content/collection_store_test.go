package content

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionStorePublishGet(t *testing.T) {
	store := NewCollectionStore()

	_, ok := store.Get("jobs")
	require.False(t, ok)

	first := store.Publish("jobs", testJobsDoc{Version: "1.0.0"}, "", SourceBundle)
	second := store.Publish("courses", "raw", "1.1.0", SourceRemote)
	third := store.Publish("jobs", testJobsDoc{Version: "1.2.0"}, "1.2.0", SourceRemote)

	assert.Less(t, first.Seq, second.Seq)
	assert.Less(t, second.Seq, third.Seq)

	snap, ok := store.Get("jobs")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", snap.Version)
	assert.Equal(t, SourceRemote, snap.Source)

	doc, ok := ValueAs[testJobsDoc](store, "jobs")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", doc.Version)

	_, ok = ValueAs[testJobsDoc](store, "courses")
	assert.False(t, ok, "wrong type")
	_, ok = ValueAs[string](store, "missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"courses", "jobs"}, store.Keys())
	snaps := store.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "courses", snaps[0].Key)
}

func TestCollectionStoreSubscribe(t *testing.T) {
	store := NewCollectionStore()
	events, cancel := store.Subscribe(4)

	store.Publish("jobs", nil, "1.0.0", SourceCache)

	ev := <-events
	assert.Equal(t, "jobs", ev.Key)
	assert.Equal(t, "1.0.0", ev.Version)
	assert.Equal(t, SourceCache, ev.Source)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// publishing after unsubscribe must not panic on the closed channel
	store.Publish("jobs", nil, "1.0.1", SourceCache)
}

func TestCollectionStoreSlowSubscriberNeverBlocks(t *testing.T) {
	store := NewCollectionStore()
	_, cancel := store.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		store.Publish("jobs", i, "", SourceBundle)
	}
	assert.EqualValues(t, 4, store.Dropped())

	snap, ok := store.Get("jobs")
	require.True(t, ok)
	assert.Equal(t, 4, snap.Value)
}

func TestCollectionStoreConcurrentPublish(t *testing.T) {
	store := NewCollectionStore()
	events, cancel := store.Subscribe(1000)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Publish("jobs", i, "", SourceCache)
			_, _ = store.Get("jobs")
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		ev := <-events
		require.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	snap, _ := store.Get("jobs")
	assert.EqualValues(t, 50, snap.Seq)
}
