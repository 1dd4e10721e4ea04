package browserpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetPageBlocksUntilReleased exercises the pool's capacity bookkeeping
// without launching a real browser process: once total has reached
// maxPages, GetPage must block until a page lands back on the free list.
func TestGetPageBlocksUntilReleased(t *testing.T) {
	p := New(1)
	p.total = 1 // simulate one page already checked out

	result := make(chan *Page, 1)
	go func() {
		pg, err := p.GetPage()
		require.NoError(t, err)
		result <- pg
	}()

	select {
	case <-result:
		t.Fatal("GetPage returned before a page was freed")
	case <-time.After(50 * time.Millisecond):
	}

	p.mu.Lock()
	p.free = append(p.free, &Page{})
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case pg := <-result:
		assert.NotNil(t, pg)
	case <-time.After(time.Second):
		t.Fatal("GetPage did not unblock after a page was freed")
	}
}

func TestInUseAccounting(t *testing.T) {
	p := New(2)
	p.total = 2
	p.free = []*Page{{}}
	assert.Equal(t, 1, p.InUse())
}

func TestGetPageClosedPool(t *testing.T) {
	p := New(1)
	p.closed = true
	_, err := p.GetPage()
	assert.Error(t, err)
}
