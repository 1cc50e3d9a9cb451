package correlator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/testutil/testlog"
)

type recorder struct {
	mu       sync.Mutex
	calls    []payload.Map
	rejected []error
}

func (r *recorder) Resolve(m payload.Map) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m)
}

func (r *recorder) Reject(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestResolveDeliversOnceThenUnknown(t *testing.T) {
	testlog.Start(t)
	c := New()
	rec := &recorder{}
	token := NewToken()
	c.Register(token, rec)

	p := payload.Map{"answer": int64(42)}
	if err := c.Resolve(token, p); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := c.Resolve(token, payload.Map{"answer": int64(43)}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken on second resolve, got %v", err)
	}
	if rec.count() != 1 || rec.calls[0]["answer"] != int64(42) {
		t.Fatalf("unexpected resolver calls: %+v", rec.calls)
	}
	if c.Pending() != 0 {
		t.Fatalf("entry not removed")
	}
}

func TestResolveUnknownTokenInvokesNothing(t *testing.T) {
	testlog.Start(t)
	c := New()
	rec := &recorder{}
	c.Register("known", rec)
	for _, token := range []string{"", "unknown", NewToken()} {
		if err := c.Resolve(token, payload.Map{}); !errors.Is(err, ErrUnknownToken) {
			t.Fatalf("token %q: expected ErrUnknownToken, got %v", token, err)
		}
	}
	if rec.count() != 0 || c.Pending() != 1 {
		t.Fatalf("unknown tokens disturbed the table: calls=%d pending=%d", rec.count(), c.Pending())
	}
}

func TestIsolationAcrossTokens(t *testing.T) {
	testlog.Start(t)
	c := New()
	r1, r2 := &recorder{}, &recorder{}
	t1, t2 := NewToken(), NewToken()
	c.Register(t1, r1)
	c.Register(t2, r2)

	if err := c.Resolve(t2, payload.Map{"to": "r2"}); err != nil {
		t.Fatalf("resolve t2: %v", err)
	}
	if r1.count() != 0 || r2.count() != 1 {
		t.Fatalf("wrong resolver invoked: r1=%d r2=%d", r1.count(), r2.count())
	}
	if got := c.Tokens(); len(got) != 1 || got[0] != t1 {
		t.Fatalf("unexpected remaining tokens: %v", got)
	}
}

func TestConcurrentResolveExactlyOnce(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{2, 8, 64, 256} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			c := New()
			rec := &recorder{}
			token := NewToken()
			c.Register(token, rec)

			var ok, unknown atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					err := c.Resolve(token, payload.Map{"i": int64(i)})
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, ErrUnknownToken):
						unknown.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if ok.Load() != 1 || unknown.Load() != int64(n-1) {
				t.Fatalf("ok=%d unknown=%d", ok.Load(), unknown.Load())
			}
			if rec.count() != 1 {
				t.Fatalf("resolver invoked %d times", rec.count())
			}
		})
	}
}

func TestConcurrentRegisterResolveManyTokens(t *testing.T) {
	testlog.Start(t)
	c := New()
	const n = 200
	var delivered atomic.Int64
	tokens := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := NewToken()
			c.Register(token, ResolverFunc(func(payload.Map) { delivered.Add(1) }))
			tokens <- token
		}()
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Resolve(<-tokens, payload.Map{}); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if delivered.Load() != n || c.Pending() != 0 {
		t.Fatalf("delivered=%d pending=%d", delivered.Load(), c.Pending())
	}
}

func TestPayloadFidelity(t *testing.T) {
	testlog.Start(t)
	in, err := payload.Normalize(map[string]any{
		"s":    "text",
		"i":    7,
		"f":    2.5,
		"b":    false,
		"list": []any{1, "two", 3.0, []any{true}},
		"map":  map[string]any{"inner": map[string]any{"x": -1}},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	c := New()
	var got payload.Map
	token := NewToken()
	c.Register(token, ResolverFunc(func(m payload.Map) { got = m }))
	if err := c.Resolve(token, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !payload.Equal(in, got) {
		t.Fatalf("payload changed in transit: %#v", got)
	}
}

func TestRegisterOverwritesInsertRejects(t *testing.T) {
	testlog.Start(t)
	c := New()
	first, second, third := &recorder{}, &recorder{}, &recorder{}
	c.Register("tok", first)
	c.Register("tok", second)
	if err := c.Insert("tok", third); !errors.Is(err, ErrTokenInUse) {
		t.Fatalf("expected ErrTokenInUse, got %v", err)
	}
	if err := c.Resolve("tok", payload.Map{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.count() != 0 || second.count() != 1 || third.count() != 0 {
		t.Fatalf("unexpected delivery: first=%d second=%d third=%d", first.count(), second.count(), third.count())
	}
	if err := c.Insert("tok", third); err != nil {
		t.Fatalf("insert after resolve: %v", err)
	}
}

func TestExpireHonorsTTL(t *testing.T) {
	testlog.Start(t)
	c := New()
	base := time.Unix(1700000000, 0)
	clock := base
	c.now = func() time.Time { return clock }

	old, fresh := &recorder{}, &recorder{}
	c.Register("old", old)
	clock = base.Add(30 * time.Second)
	c.Register("fresh", fresh)

	if got := c.Expire(base.Add(time.Hour)); got != nil {
		t.Fatalf("zero TTL must not expire, got %v", got)
	}

	c.TTL = time.Minute
	got := c.Expire(base.Add(time.Minute))
	if len(got) != 1 || got[0] != "old" {
		t.Fatalf("unexpected expired tokens: %v", got)
	}
	if len(old.rejected) != 1 || !errors.Is(old.rejected[0], ErrExpired) {
		t.Fatalf("expired resolver not rejected: %v", old.rejected)
	}
	if err := c.Resolve("old", payload.Map{}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken after expiry, got %v", err)
	}
	if err := c.Resolve("fresh", payload.Map{}); err != nil {
		t.Fatalf("fresh entry expired early: %v", err)
	}
}

func TestResetDropsEverything(t *testing.T) {
	testlog.Start(t)
	c := New()
	recs := []*recorder{{}, {}, {}}
	for i, r := range recs {
		c.Register(fmt.Sprintf("tok-%d", i), r)
	}
	c.Register("plain", ResolverFunc(func(payload.Map) {}))
	if n := c.Reset(); n != 4 {
		t.Fatalf("reset dropped %d entries", n)
	}
	for _, r := range recs {
		if len(r.rejected) != 1 || !errors.Is(r.rejected[0], ErrDropped) {
			t.Fatalf("dropped resolver not rejected: %v", r.rejected)
		}
	}
	if err := c.Resolve("tok-0", payload.Map{}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken after reset, got %v", err)
	}
}

func TestDropRemovesWithoutResolving(t *testing.T) {
	testlog.Start(t)
	c := New()
	r, other := &recorder{}, &recorder{}
	c.Register("gone", r)
	c.Register("kept", other)

	if !c.Drop("gone") {
		t.Fatalf("expected live entry to be dropped")
	}
	if c.Drop("gone") {
		t.Fatalf("second drop should find nothing")
	}
	if r.count() != 0 || len(r.rejected) != 1 || !errors.Is(r.rejected[0], ErrDropped) {
		t.Fatalf("dropped resolver: calls=%d rejected=%v", r.count(), r.rejected)
	}
	if err := c.Resolve("gone", payload.Map{}); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken after drop, got %v", err)
	}
	if c.Pending() != 1 || len(other.rejected) != 0 {
		t.Fatalf("drop touched another token")
	}
}

func TestNewTokenUnique(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}
