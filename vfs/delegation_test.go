package vfs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-nas/chimera-sub003/vfserrno"
)

// TestDelegationThreadPreservesEnqueueOrder exercises spec.md §4.5/§5's
// shard-serialization guarantee: two requests enqueued on the same
// delegation thread in order are dispatched to the module in that order,
// even though the module itself never blocks (so nothing else would force
// the ordering).
func TestDelegationThreadPreservesEnqueueOrder(t *testing.T) {
	d := NewDelegationThread("d0", nil)
	defer d.Shutdown()

	var mu sync.Mutex
	var order []int

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		req := &Request{
			Opcode: OpWrite,
			Module: &fakeModule{dispatch: func(r *Request) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				r.Status = vfserrno.OK
				wg.Done()
			}},
		}
		d.Enqueue(req)
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i])
	}
}

// TestDelegationThreadRecoversFromPanickingModule confirms one module
// panicking during Dispatch does not take down the delegation thread's
// event loop or leave later-enqueued requests stuck.
func TestDelegationThreadRecoversFromPanickingModule(t *testing.T) {
	d := NewDelegationThread("d0", nil)
	defer d.Shutdown()

	panicking := &Request{
		Opcode: OpWrite,
		Module: &fakeModule{dispatch: func(r *Request) { panic("boom") }},
	}
	d.Enqueue(panicking)

	done := make(chan struct{})
	ok := &Request{
		Opcode: OpWrite,
		Module: &fakeModule{dispatch: func(r *Request) {
			r.Status = vfserrno.OK
			close(done)
		}},
	}
	d.Enqueue(ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delegation thread never recovered from the panicking dispatch")
	}
}

func TestShardForIsStableAndBounded(t *testing.T) {
	const n = 8
	for _, hash := range []uint64{0, 1, 7, 8, 9, 1 << 40} {
		idx := ShardFor(hash, n)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, n)
		assert.Equal(t, idx, ShardFor(hash, n), "sharding must be a pure function of (hash, n)")
	}
}

func TestShardForZeroShardsReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ShardFor(12345, 0))
}
