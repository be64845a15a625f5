package eventloop

import "sync"

// Executor runs fn away from the loop. Functions sharing a key run one at a
// time in submission order.
type Executor interface {
	Go(key string, fn func())
}

// Lanes is an Executor with one goroutine per busy key. It is not bounded by
// the Pool, so host calls never wait behind configuration I/O.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []func()
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

func (l *Lanes) Go(key string, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[key]; ok {
		ln.queue = append(ln.queue, fn)
		return
	}
	ln := &lane{queue: []func(){fn}}
	l.lanes[key] = ln
	l.wg.Add(1)
	go l.drain(key, ln)
}

func (l *Lanes) drain(key string, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		fn := ln.queue[0]
		ln.queue = ln.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Wait blocks until every submitted function returned.
func (l *Lanes) Wait() { l.wg.Wait() }
