package app

import (
	"reflect"
	"sort"
	"sync"

	"github.com/dkeye/streamview/internal/domain"
	"github.com/rs/zerolog/log"
)

type ChangeKind int

const (
	ChannelAdded ChangeKind = iota
	ChannelUpdated
	ChannelRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChannelAdded:
		return "added"
	case ChannelUpdated:
		return "updated"
	default:
		return "removed"
	}
}

type ChannelEvent struct {
	Kind    ChangeKind
	Channel domain.Channel
}

// ChannelDirectory is the client's view of the server catalog. It never
// opens or closes sessions; subscribers react to its events.
type ChannelDirectory struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]domain.Channel

	subMu  sync.RWMutex
	subs   map[int]func(ChannelEvent)
	nextID int
}

func NewChannelDirectory() *ChannelDirectory {
	return &ChannelDirectory{
		channels: make(map[domain.ChannelID]domain.Channel),
		subs:     make(map[int]func(ChannelEvent)),
	}
}

// Replace applies an authoritative snapshot.
func (d *ChannelDirectory) Replace(list []domain.Channel) {
	next := make(map[domain.ChannelID]domain.Channel, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		next[c.ID] = c.Clone()
	}

	var events []ChannelEvent
	d.mu.Lock()
	for id, old := range d.channels {
		if _, ok := next[id]; !ok {
			events = append(events, ChannelEvent{Kind: ChannelRemoved, Channel: old})
		}
	}
	for id, c := range next {
		old, ok := d.channels[id]
		switch {
		case !ok:
			events = append(events, ChannelEvent{Kind: ChannelAdded, Channel: c.Clone()})
		case !sameChannel(old, c):
			events = append(events, ChannelEvent{Kind: ChannelUpdated, Channel: c.Clone()})
		}
	}
	d.channels = next
	d.mu.Unlock()

	log.Debug().Str("module", "app.directory").Int("channels", len(next)).Int("changes", len(events)).Msg("catalog replaced")
	sortEvents(events)
	d.emit(events...)
}

// Upsert applies the set fields of u, creating the channel if needed.
func (d *ChannelDirectory) Upsert(u domain.ChannelUpdate) domain.Channel {
	d.mu.Lock()
	old, exists := d.channels[u.ID]
	c := old
	if !exists {
		c = domain.NewChannel(u.ID)
	}
	c = c.Clone()
	if u.Active != nil {
		c.Active = *u.Active
	}
	if u.ViewerCount != nil {
		c.ViewerCount = *u.ViewerCount
	}
	if u.Metadata != nil {
		c.Metadata = domain.Channel{Metadata: u.Metadata}.Clone().Metadata
	}
	d.channels[u.ID] = c
	d.mu.Unlock()

	switch {
	case !exists:
		log.Info().Str("module", "app.directory").Str("channel", string(u.ID)).Msg("channel added")
		d.emit(ChannelEvent{Kind: ChannelAdded, Channel: c.Clone()})
	case !sameChannel(old, c):
		d.emit(ChannelEvent{Kind: ChannelUpdated, Channel: c.Clone()})
	}
	return c.Clone()
}

func (d *ChannelDirectory) Remove(id domain.ChannelID) bool {
	d.mu.Lock()
	c, ok := d.channels[id]
	delete(d.channels, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	log.Info().Str("module", "app.directory").Str("channel", string(id)).Msg("channel removed")
	d.emit(ChannelEvent{Kind: ChannelRemoved, Channel: c})
	return true
}

func (d *ChannelDirectory) Clear() {
	d.mu.Lock()
	events := make([]ChannelEvent, 0, len(d.channels))
	for _, c := range d.channels {
		events = append(events, ChannelEvent{Kind: ChannelRemoved, Channel: c})
	}
	d.channels = make(map[domain.ChannelID]domain.Channel)
	d.mu.Unlock()

	sortEvents(events)
	d.emit(events...)
}

// List returns copies ordered by id.
func (d *ChannelDirectory) List() []domain.Channel {
	d.mu.RLock()
	out := make([]domain.Channel, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c.Clone())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *ChannelDirectory) Get(id domain.ChannelID) (domain.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[id]
	if !ok {
		return domain.Channel{}, false
	}
	return c.Clone(), true
}

func (d *ChannelDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}

// Subscribe registers fn for every later change. Events are delivered after
// the mutation, outside the directory lock.
func (d *ChannelDirectory) Subscribe(fn func(ChannelEvent)) (unsubscribe func()) {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
		})
	}
}

func (d *ChannelDirectory) emit(events ...ChannelEvent) {
	if len(events) == 0 {
		return
	}
	d.subMu.RLock()
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ChannelEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.subs[id])
	}
	d.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func sameChannel(a, b domain.Channel) bool {
	return a.Active == b.Active && a.ViewerCount == b.ViewerCount && reflect.DeepEqual(a.Metadata, b.Metadata)
}

func sortEvents(events []ChannelEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Kind != events[j].Kind {
			return events[i].Kind > events[j].Kind
		}
		return events[i].Channel.ID < events[j].Channel.ID
	})
}
