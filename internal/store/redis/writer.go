package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"marketdash/internal/breaker"
	"marketdash/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 30 * time.Minute
	activeKey        = "view:active"
)

// WriterConfig configures the Redis publisher.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher mirrors published views into Redis so out-of-process readers
// can fetch the latest view (GET view:{key}) or follow it
// (SUBSCRIBE pub:view:{key}). Writes go through a circuit breaker; while
// it is open the latest view per selection is held back and written once
// Redis answers again.
type Publisher struct {
	client *goredis.Client
	cb     *breaker.Breaker

	mu      sync.Mutex
	pending map[string]*model.View // by selection key, latest wins

	// Callbacks
	OnWrite func(d time.Duration) // called after a successful pipeline (for metrics)
	OnHold  func()                // called when a view is held back
	OnFlush func(count int)       // called after held views are written
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg WriterConfig, cb *breaker.Breaker) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cb), nil
}

// NewWithClient wraps an existing client. cb may be nil.
func NewWithClient(client *goredis.Client, cb *breaker.Breaker) *Publisher {
	return &Publisher{
		client:  client,
		cb:      cb,
		pending: make(map[string]*model.View),
	}
}

// Run reads views from viewCh and publishes them.
// Blocks until ctx is cancelled or viewCh is closed.
func (p *Publisher) Run(ctx context.Context, viewCh <-chan *model.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-viewCh:
			if !ok {
				return
			}
			if err := p.Publish(ctx, v); err != nil && !errors.Is(err, breaker.ErrOpen) {
				log.Printf("[redis] publish %s: %v", v.Key(), err)
			}
		}
	}
}

// Publish writes v and, on success, any views held back while Redis was
// unavailable. A failed or rejected write holds v back and returns the error.
func (p *Publisher) Publish(ctx context.Context, v *model.View) error {
	if v == nil || v.Symbol == "" {
		return nil
	}

	err := p.execute(func() error { return p.write(ctx, v) })
	if err != nil {
		p.hold(v)
		return err
	}
	p.flush(ctx, v.Key().String())
	return nil
}

func (p *Publisher) execute(fn func() error) error {
	if p.cb == nil {
		return fn()
	}
	return p.cb.Execute(fn)
}

// write sets the latest view, marks the active selection and publishes.
func (p *Publisher) write(ctx context.Context, v *model.View) error {
	start := time.Now()
	jsonBytes := v.JSON()
	// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
	jsonData := *(*string)(unsafe.Pointer(&jsonBytes))

	pipe := p.client.Pipeline()
	pipe.Set(ctx, v.StreamKey(), jsonData, defaultLatestTTL)
	pipe.Set(ctx, activeKey, v.Key().String(), 0)
	pipe.Publish(ctx, v.PubSubChannel(), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline for %s: %w", v.Key(), err)
	}
	if p.OnWrite != nil {
		p.OnWrite(time.Since(start))
	}
	return nil
}

func (p *Publisher) hold(v *model.View) {
	p.mu.Lock()
	p.pending[v.Key().String()] = v
	p.mu.Unlock()
	if p.OnHold != nil {
		p.OnHold()
	}
}

// flush writes held views, skipping the selection that was just written.
func (p *Publisher) flush(ctx context.Context, written string) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.pending
	p.pending = make(map[string]*model.View)
	p.mu.Unlock()

	flushed := 0
	for key, v := range toFlush {
		if key == written {
			continue
		}
		if err := p.write(ctx, v); err != nil {
			log.Printf("[redis] flush %s: %v", key, err)
			p.hold(v)
			continue
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("[redis] flushed %d held views", flushed)
	}
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of views waiting to be written.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// LatestView reads the stored view for key. Returns (nil, nil) if absent.
func (p *Publisher) LatestView(ctx context.Context, key model.SelectionKey) (*model.View, error) {
	data, err := p.client.Get(ctx, (&model.View{Symbol: key.Symbol, Interval: key.Interval}).StreamKey()).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET view %s: %w", key, err)
	}
	return model.ParseView(data)
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
