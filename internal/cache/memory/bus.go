// Package memory provides in-process stand-ins for the Redis-backed cache
// and signal bus, used when a single instance runs without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Bus implements domain.SignalBus in memory. Subscribers with a full
// buffer miss messages, as with Redis pub/sub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
	bufSize int
}

type subscription struct {
	pattern string
	ch      chan []byte
}

var _ domain.SignalBus = (*Bus)(nil)

// NewBus creates an empty bus. Streams keep at most maxLen entries.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Bus{
		subs:    make(map[*subscription]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
		bufSize: 100,
	}
}

// Publish delivers payload to every subscription whose channel or glob
// pattern matches.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that receives matching messages until ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscription{pattern: channel, ch: make(chan []byte, b.bufSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend adds payload to stream, trimming the oldest entries.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entries := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if over := len(entries) - b.maxLen; over > 0 {
		entries = append([]domain.StreamMessage(nil), entries[over:]...)
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. An empty or zero
// lastID reads from the start.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := parseID(m.ID)
		if id <= after {
			continue
		}
		out = append(out, m)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: stream id %q: %w", id, err)
	}
	return n, nil
}

func matches(pattern, channel string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == channel
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}
