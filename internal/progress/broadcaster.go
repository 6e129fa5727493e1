package progress

import "sync"

// Broadcaster fans snapshots out to subscribers and retains the latest one so
// late subscribers see the current state first. Each subscriber has its own
// ordered mailbox and goroutine; Publish never blocks on a slow callback.
type Broadcaster struct {
	mu        sync.Mutex
	latest    Snapshot
	hasLatest bool
	subs      map[uint64]*mailbox
	nextID    uint64
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*mailbox)}
}

// Subscribe registers fn. If a snapshot is retained, fn receives it before
// any newer one. The returned func detaches fn and is safe to call more than
// once, including from inside fn.
func (b *Broadcaster) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	box := newMailbox(fn)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = box
	if b.hasLatest {
		box.put(b.latest)
	}
	b.mu.Unlock()
	go box.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			box.close()
		})
	}
}

// Publish retains s as the latest snapshot and delivers it to subscribers.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = s
	b.hasLatest = true
	b.deliverLocked(s)
}

// Notify delivers s to current subscribers without retaining it.
func (b *Broadcaster) Notify(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(s)
}

// Latest returns the retained snapshot, if any.
func (b *Broadcaster) Latest() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Clear drops the retained snapshot.
func (b *Broadcaster) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = Snapshot{}
	b.hasLatest = false
}

// Subscribers reports the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Pending deliveries are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*mailbox)
	b.mu.Unlock()
	for _, box := range subs {
		box.close()
	}
}

func (b *Broadcaster) deliverLocked(s Snapshot) {
	for _, box := range b.subs {
		box.put(s)
	}
}

type mailbox struct {
	fn        func(Snapshot)
	mu        sync.Mutex
	queue     []Snapshot
	signal    chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func newMailbox(fn func(Snapshot)) *mailbox {
	return &mailbox{
		fn:     fn,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

func (m *mailbox) put(s Snapshot) {
	m.mu.Lock()
	m.queue = append(m.queue, s)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.closeOnce.Do(func() { close(m.quit) })
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.signal:
		}
		for {
			select {
			case <-m.quit:
				return
			default:
			}
			s, ok := m.pop()
			if !ok {
				break
			}
			m.fn(s)
		}
	}
}

func (m *mailbox) pop() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Snapshot{}, false
	}
	s := m.queue[0]
	m.queue[0] = Snapshot{}
	m.queue = m.queue[1:]
	return s, true
}
