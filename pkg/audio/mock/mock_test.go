package mock

import (
	"sync"
	"testing"
	"time"
)

func TestStreamCloseUnblocksPush(t *testing.T) {
	s := NewStream(0)

	// Unbuffered channel with no consumer: Push blocks until close.
	pushed := make(chan struct{})
	go func() {
		s.Push(make([]float32, 4))
		close(pushed)
	}()

	time.Sleep(5 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Push stayed blocked after Close")
	}
	if _, ok := <-s.Blocks(); ok {
		t.Fatal("Blocks delivered after Close")
	}
}

func TestStreamConcurrentPushAndFinish(t *testing.T) {
	for range 50 {
		s := NewStream(1)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 20 {
					s.Push(make([]float32, 1))
				}
			}()
		}
		go func() {
			for range s.Blocks() {
			}
		}()

		s.Finish()
		wg.Wait()

		// Pushing after the stream ended is a no-op.
		s.Push(make([]float32, 1))
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.CallCountClose != 2 {
		t.Errorf("CallCountClose = %d, want 2", s.CallCountClose)
	}
}
