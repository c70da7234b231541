package docsync

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryProvider is an in-process Provider used by tests and single-node
// runs. Map keys merge last-write-wins on a lamport clock with the actor id
// as tie-break; text edits apply positionally with clamping. Production
// deployments inject a real CRDT-backed provider and this one only ever sees
// one replica's traffic.
type MemoryProvider struct {
	mu      sync.Mutex
	actor   string
	clock   int64
	texts   map[string]string
	maps    map[string]map[string]mapEntry
	subs    map[string]map[int]func()
	nextSub int
}

type mapEntry struct {
	Value any
	Clock int64
	Actor string
}

type memoryDelta struct {
	Op    Op     `json:"op"`
	Clock int64  `json:"clock"`
	Actor string `json:"actor"`
}

func NewMemoryProvider(actor string) *MemoryProvider {
	return &MemoryProvider{
		actor: actor,
		texts: make(map[string]string),
		maps:  make(map[string]map[string]mapEntry),
		subs:  make(map[string]map[int]func()),
	}
}

func (p *MemoryProvider) ApplyLocalEdit(container string, op Op) ([]byte, error) {
	p.mu.Lock()
	p.clock++
	d := memoryDelta{Op: op, Clock: p.clock, Actor: p.actor}
	if err := p.apply(container, d); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	subs := p.subscribers(container)
	p.mu.Unlock()

	notify(subs)
	return json.Marshal(d)
}

func (p *MemoryProvider) ApplyRemoteDelta(container string, delta []byte) error {
	var d memoryDelta
	if err := json.Unmarshal(delta, &d); err != nil {
		return fmt.Errorf("decode delta: %w", err)
	}

	p.mu.Lock()
	if d.Clock > p.clock {
		p.clock = d.Clock
	}
	if err := p.apply(container, d); err != nil {
		p.mu.Unlock()
		return err
	}
	subs := p.subscribers(container)
	p.mu.Unlock()

	notify(subs)
	return nil
}

func (p *MemoryProvider) apply(container string, d memoryDelta) error {
	switch d.Op.Kind {
	case OpEditText:
		text := p.texts[container]
		from := clamp(d.Op.From, len(text))
		to := clamp(d.Op.To, len(text))
		if from > to {
			from = to
		}
		p.texts[container] = text[:from] + d.Op.Text + text[to:]
		return nil
	case OpSetKey:
		m := p.maps[container]
		if m == nil {
			m = make(map[string]mapEntry)
			p.maps[container] = m
		}
		if cur, ok := m[d.Op.Key]; ok && !wins(d, cur) {
			return nil
		}
		m[d.Op.Key] = mapEntry{Value: d.Op.Value, Clock: d.Clock, Actor: d.Actor}
		return nil
	case OpDeleteKey:
		m := p.maps[container]
		if m == nil {
			return nil
		}
		if cur, ok := m[d.Op.Key]; ok && wins(d, cur) {
			delete(m, d.Op.Key)
		}
		return nil
	default:
		return fmt.Errorf("unknown op kind %q", d.Op.Kind)
	}
}

// wins reports whether the incoming delta supersedes the stored entry.
func wins(d memoryDelta, cur mapEntry) bool {
	if d.Clock != cur.Clock {
		return d.Clock > cur.Clock
	}
	return d.Actor > cur.Actor
}

func (p *MemoryProvider) Subscribe(container string, fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[container] == nil {
		p.subs[container] = make(map[int]func())
	}
	id := p.nextSub
	p.nextSub++
	p.subs[container][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[container], id)
	}
}

func (p *MemoryProvider) Text(container string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[container]
}

func (p *MemoryProvider) Map(container string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.maps[container]
	out := make(map[string]any, len(src))
	for k, e := range src {
		out[k] = e.Value
	}
	return out
}

func (p *MemoryProvider) subscribers(container string) []func() {
	subs := make([]func(), 0, len(p.subs[container]))
	for _, fn := range p.subs[container] {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}

func clamp(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}
