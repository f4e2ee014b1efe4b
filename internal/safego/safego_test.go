package safego

import (
	"sync"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error(msg)
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	Go("test", func() {
		defer wg.Done()
	})

	waitOrFail(t, &wg, "goroutine did not complete within timeout")
}

func TestGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)

	// The process must survive and the sibling goroutine must still run.
	Go("panicking", func() {
		defer wg.Done()
		panic("intentional panic in test")
	})
	Go("sibling", func() {
		defer wg.Done()
	})

	waitOrFail(t, &wg, "goroutines did not complete within timeout after panic")
}
