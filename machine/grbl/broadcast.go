package grbl

import "sync"

const subscriberBuffer = 64

// broadcaster fans out lines to subscribers. Slow subscribers miss lines
// rather than stalling the reader.
type broadcaster struct {
	mx     sync.Mutex
	subs   map[chan string]struct{}
	closed bool
}

func (b *broadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[chan string]struct{})
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mx.Lock()
			defer b.mx.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *broadcaster) publish(s string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
