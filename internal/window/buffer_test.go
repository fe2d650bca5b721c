package window

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetSentry/internal/model"
)

func ev(id string) model.TrafficEvent {
	return model.TrafficEvent{ID: id, Protocol: "TCP", Status: model.StatusNormal}
}

func ids(events []model.TrafficEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New(3)
	for _, id := range []string{"A", "B", "C", "D"} {
		b.Push(ev(id))
	}

	assert.Equal(t, []string{"D", "C", "B"}, ids(b.Snapshot()))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-5).Cap())
}

func TestBuffer_EmptySnapshot(t *testing.T) {
	b := New(5)
	snap := b.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestBuffer_LatestN(t *testing.T) {
	b := New(10)
	for i := 0; i < 6; i++ {
		b.Push(ev(strconv.Itoa(i)))
	}

	assert.Equal(t, []string{"5", "4"}, ids(b.Latest(2)))
	assert.Len(t, b.Latest(50), 6)
}

// For every capacity and push count, the buffer holds exactly the newest
// min(capacity, pushed) events in reverse insertion order.
func TestBuffer_WindowProperty(t *testing.T) {
	for capacity := 1; capacity <= 7; capacity++ {
		for pushed := 0; pushed <= 20; pushed++ {
			b := New(capacity)
			for i := 0; i < pushed; i++ {
				b.Push(ev(strconv.Itoa(i)))
			}

			want := []string{}
			for i := pushed - 1; i >= 0 && len(want) < capacity; i-- {
				want = append(want, strconv.Itoa(i))
			}
			if got := ids(b.Snapshot()); !assert.Equal(t, want, got) {
				t.Fatalf("capacity=%d pushed=%d", capacity, pushed)
			}
		}
	}
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	b := New(2)
	b.Push(ev("A"))
	snap := b.Snapshot()
	snap[0].ID = "mutated"

	assert.Equal(t, "A", b.Snapshot()[0].ID)
}

func TestBuffer_ConcurrentReaders(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Push(ev(strconv.Itoa(i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if n := len(b.Snapshot()); n > 50 {
					t.Errorf("snapshot exceeded capacity: %d", n)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "999", b.Snapshot()[0].ID)
}
