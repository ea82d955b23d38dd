package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func robotsServer(t *testing.T, body *string, mu *sync.Mutex, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(hits, 1)
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(w, *body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRobotsCheckerRules(t *testing.T) {
	var mu sync.Mutex
	var hits int32
	body := "User-agent: *\nDisallow: /private\nCrawl-delay: 2\n"
	srv := robotsServer(t, &body, &mu, &hits)

	r := NewRobotsChecker("BidBot/1.0 (+https://example.com)", 5*time.Second, WithRobotsAllowPrivate())
	ctx := context.Background()

	allowed, delay, err := r.CanFetch(ctx, srv.URL+"/bids")
	if err != nil || !allowed {
		t.Fatalf("CanFetch(/bids) = %v, %v", allowed, err)
	}
	if delay != 2*time.Second {
		t.Errorf("delay = %v, want 2s", delay)
	}
	if allowed, _, _ := r.CanFetch(ctx, srv.URL+"/private/list"); allowed {
		t.Error("/private/list should be disallowed")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("robots.txt fetched %d times, want 1 while cached", n)
	}
}

func TestRobotsCheckerExpires(t *testing.T) {
	var mu sync.Mutex
	var hits int32
	body := "User-agent: *\nDisallow:\n"
	srv := robotsServer(t, &body, &mu, &hits)

	r := NewRobotsChecker("BidBot/1.0", 5*time.Second, WithRobotsAllowPrivate(), WithRobotsTTL(50*time.Millisecond))
	ctx := context.Background()

	if allowed, _, _ := r.CanFetch(ctx, srv.URL+"/bids"); !allowed {
		t.Fatal("initially everything is allowed")
	}

	mu.Lock()
	body = "User-agent: *\nDisallow: /bids\n"
	mu.Unlock()
	time.Sleep(120 * time.Millisecond)

	if allowed, _, _ := r.CanFetch(ctx, srv.URL+"/bids"); allowed {
		t.Error("changed robots.txt not picked up after the TTL")
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("robots.txt fetched %d times, want 2", n)
	}
}

func TestRobotsCheckerBlocksPrivateHosts(t *testing.T) {
	var mu sync.Mutex
	var hits int32
	body := "User-agent: *\nDisallow: /\n"
	srv := robotsServer(t, &body, &mu, &hits)

	r := NewRobotsChecker("BidBot/1.0", 5*time.Second)
	allowed, _, err := r.CanFetch(context.Background(), srv.URL+"/bids")
	if err != nil || !allowed {
		t.Errorf("unreachable robots.txt should allow, got %v, %v", allowed, err)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("loopback server was dialed %d times", n)
	}
}
