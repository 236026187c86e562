package app

import (
	"sort"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

// Stream is the aggregate playable stream of a remote peer. Every change to
// the peer's consumers builds a new Stream.
type Stream struct {
	peer   domain.PeerID
	tracks []core.RemoteTrack
}

func (s *Stream) PeerID() domain.PeerID { return s.peer }

// Tracks returns a copy of the stream tracks ordered by consumer id.
func (s *Stream) Tracks() []core.RemoteTrack {
	out := make([]core.RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) Len() int { return len(s.tracks) }

// Peer is an immutable remote peer record.
type Peer struct {
	ID          domain.PeerID
	DisplayName string

	consumers map[domain.ConsumerID]core.Consumer
	stream    *Stream
}

func newPeer(info domain.PeerInfo) *Peer {
	p := &Peer{
		ID:          info.ID,
		DisplayName: info.DisplayName,
		consumers:   map[domain.ConsumerID]core.Consumer{},
	}
	p.stream = p.buildStream()
	return p
}

func (p *Peer) Stream() *Stream { return p.stream }

// Consumers returns the open consumers of the peer ordered by id.
func (p *Peer) Consumers() []core.Consumer {
	out := make([]core.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (p *Peer) Consumer(id domain.ConsumerID) (core.Consumer, bool) {
	c, ok := p.consumers[id]
	return c, ok
}

// HasProducer reports whether the peer already consumes producer id.
func (p *Peer) HasProducer(id domain.ProducerID) bool {
	for _, c := range p.consumers {
		if c.ProducerID() == id {
			return true
		}
	}
	return false
}

func (p *Peer) clone() *Peer {
	n := &Peer{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		consumers:   make(map[domain.ConsumerID]core.Consumer, len(p.consumers)+1),
	}
	for id, c := range p.consumers {
		n.consumers[id] = c
	}
	return n
}

func (p *Peer) buildStream() *Stream {
	s := &Stream{peer: p.ID, tracks: make([]core.RemoteTrack, 0, len(p.consumers))}
	for _, c := range p.Consumers() {
		if t := c.Track(); t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

// Directory is an immutable snapshot of the remote peers of a session.
// Mutators return a new Directory, or the receiver itself when nothing changed.
type Directory struct {
	peers map[domain.PeerID]*Peer
}

func NewDirectory() *Directory {
	return &Directory{peers: map[domain.PeerID]*Peer{}}
}

func (d *Directory) Len() int { return len(d.peers) }

func (d *Directory) Get(id domain.PeerID) (*Peer, bool) {
	p, ok := d.peers[id]
	return p, ok
}

// Peers returns the peers ordered by id.
func (d *Directory) Peers() []*Peer {
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) with(p *Peer) *Directory {
	n := &Directory{peers: make(map[domain.PeerID]*Peer, len(d.peers)+1)}
	for id, old := range d.peers {
		n.peers[id] = old
	}
	n.peers[p.ID] = p
	return n
}

// Upsert creates the peer or fills in a display name that arrived later.
// An empty name never clears a known one.
func (d *Directory) Upsert(info domain.PeerInfo) *Directory {
	old, ok := d.peers[info.ID]
	if !ok {
		return d.with(newPeer(info))
	}
	if info.DisplayName == "" || info.DisplayName == old.DisplayName {
		return d
	}
	p := old.clone()
	p.DisplayName = info.DisplayName
	p.stream = old.stream
	return d.with(p)
}

// Remove drops the peer. Closing its consumers is the caller's job.
func (d *Directory) Remove(id domain.PeerID) *Directory {
	if _, ok := d.peers[id]; !ok {
		return d
	}
	n := &Directory{peers: make(map[domain.PeerID]*Peer, len(d.peers))}
	for pid, p := range d.peers {
		if pid != id {
			n.peers[pid] = p
		}
	}
	return n
}

// AttachConsumer adds c to the peer, creating the peer when unknown, and
// rebuilds its stream. The second result is false when the peer already
// receives c's producer; the receiver is returned unchanged in that case.
func (d *Directory) AttachConsumer(peer domain.PeerID, c core.Consumer) (*Directory, bool) {
	old, ok := d.peers[peer]
	if !ok {
		old = newPeer(domain.PeerInfo{ID: peer})
	}
	if old.HasProducer(c.ProducerID()) {
		return d, false
	}
	p := old.clone()
	p.consumers[c.ID()] = c
	p.stream = p.buildStream()
	return d.with(p), true
}
