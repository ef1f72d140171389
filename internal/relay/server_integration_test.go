package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crosstown/internal/storage/memory"
)

func startTestServer(t *testing.T) (*Server, *memory.Store, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.New()
	s := NewServer(Config{Address: "127.0.0.1:0"}, store, nil)
	go func() { _ = s.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, store, "ws://" + addr + "/", cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, nil, "", cancel
}

func TestConcurrentPublishers(t *testing.T) {
	srv, store, url, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	const clients = 20
	const perClient = 40
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			for j := 0; j < perClient; j++ {
				id := fmt.Sprintf("%d-%d", c, j)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(eventFrame(id, 1, "x"))); err != nil {
					errCh <- err
					return
				}
				var resp []any
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if err := conn.ReadJSON(&resp); err != nil {
					errCh <- err
					return
				}
				if len(resp) != 4 || resp[0] != "OK" || resp[1] != id {
					errCh <- fmt.Errorf("unexpected response %v", resp)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if n := store.Len(context.Background()); n != clients*perClient {
		t.Fatalf("store holds %d events, want %d", n, clients*perClient)
	}
}

func TestContextCancelStopsServer(t *testing.T) {
	srv, _, url, cancel := startTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed on shutdown")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStartAfterCloseReturns(t *testing.T) {
	s := NewServer(Config{Address: "127.0.0.1:0"}, memory.New(), nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Close")
	}
	if s.Addr() != "" {
		t.Fatalf("closed server published addr %q", s.Addr())
	}
}
