package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSSEHub_Stress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	hub := NewSSEHub(0, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	const clients, events = 5, 50

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var received atomic.Int64
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				if strings.HasPrefix(scanner.Text(), "data:") {
					received.Add(1)
				}
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < clients && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != clients {
		t.Fatalf("expected %d clients, got %d", clients, hub.ClientCount())
	}

	for i := 0; i < events; i++ {
		hub.Broadcast(hrSignal(fmt.Sprintf("stress-%d", i), "dev"))
		time.Sleep(2 * time.Millisecond)
	}

	deadline = time.Now().Add(3 * time.Second)
	for received.Load() < clients*events && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	got := received.Load() + hub.Dropped()
	if got != clients*events {
		t.Errorf("delivered %d + dropped %d, want %d in total", received.Load(), hub.Dropped(), clients*events)
	}
	if received.Load() < clients*events*8/10 {
		t.Errorf("too many dropped: got %d, want >= %d", received.Load(), clients*events*8/10)
	}
}
