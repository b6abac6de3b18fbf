package chatsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservableSubscribeSeesCurrentValue(t *testing.T) {
	o := NewObservable(1)
	ch, cancel := o.Subscribe()
	defer cancel()
	assert.Equal(t, 1, <-ch)

	o.Set(2)
	assert.Equal(t, 2, <-ch)
}

func TestObservableSlowReaderSeesLatest(t *testing.T) {
	o := NewObservable("a")
	ch, cancel := o.Subscribe()
	defer cancel()

	o.Set("b")
	o.Set("c")
	o.Update(func(s string) string { return s + "d" })
	assert.Equal(t, "cd", <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %q", v)
	default:
	}
}

func TestObservableCancelClosesChannel(t *testing.T) {
	o := NewObservable(0)
	ch, cancel := o.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	o.Set(5)
	assert.Equal(t, 5, o.Value())
}

func TestCompareAndSet(t *testing.T) {
	o := NewObservable(false)
	require.True(t, CompareAndSet(o, false, true))
	assert.False(t, CompareAndSet(o, false, true))
	assert.True(t, o.Value())
}

func TestCompareAndSetSingleWinner(t *testing.T) {
	o := NewObservable(false)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if CompareAndSet(o, false, true) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
