package mesh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/codec"
)

var ErrUnknownPeer = errors.New("unknown peer")
var ErrNoChannel = errors.New("peer has no open data channel")
var ErrCreateConnection = errors.New("could not create peer connection")
var ErrMalformedSignal = errors.New("malformed signaling payload")
var ErrClosed = errors.New("coordinator closed")

// ChannelLabel names the single data channel of every peer pair.
const ChannelLabel = "data"

type EventKind string

const (
	// EventSignal carries a frame that must go to the relay.
	EventSignal       EventKind = "Signal"
	EventOpen         EventKind = "Open"
	EventMessage      EventKind = "Message"
	EventDisconnected EventKind = "Disconnected"
)

type Event struct {
	Kind   EventKind
	PeerID uint32
	Frame  codec.TransferData
	Data   []byte
	Reason string
}

// IsInitiator reports whether self creates the data channel and sends the
// offer for the pair (self, remote). The larger id initiates.
func IsInitiator(self, remote uint32) bool {
	return self > remote
}

type Config struct {
	SelfID      uint32
	ICEServers  []string
	Factory     Factory
	Logger      *zap.Logger
	EventBuffer int
}

type peerLink struct {
	id  uint32
	pc  PeerConnection
	ops chan func()

	done      chan struct{}
	closeOnce sync.Once

	// guarded by Coordinator.mu
	dc   DataChannel
	open bool

	// touched only on the ops goroutine
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// Coordinator owns one peer connection and one data channel per remote peer.
// Pion callbacks never touch lobby state: they only push Events.
type Coordinator struct {
	log     *zap.Logger
	factory Factory
	rtc     webrtc.Configuration
	events  chan Event
	done    chan struct{}

	mu     sync.Mutex
	self   uint32
	peers  map[uint32]*peerLink
	closed bool
}

func NewCoordinator(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = PionFactory{}
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	var rtc webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Coordinator{
		log:     log.Named("mesh"),
		factory: factory,
		rtc:     rtc,
		events:  make(chan Event, buf),
		done:    make(chan struct{}),
		self:    cfg.SelfID,
		peers:   make(map[uint32]*peerLink),
	}
}

func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) SetSelf(id uint32) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

func (c *Coordinator) Self() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Peers lists the ids with a live link, in no particular order.
func (c *Coordinator) Peers() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint32, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// Connect starts a fresh link to remote, replacing any existing one. The
// initiator side creates the data channel, which kicks off negotiation.
func (c *Coordinator) Connect(remote uint32) error {
	pc, err := c.factory.NewPeerConnection(c.rtc)
	if err != nil {
		c.log.Error("create peer connection", zap.Uint32("peer", remote), zap.Error(err))
		return fmt.Errorf("%w: peer %d: %w", ErrCreateConnection, remote, err)
	}

	link := &peerLink{
		id:   remote,
		pc:   pc,
		ops:  make(chan func(), 64),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return ErrClosed
	}
	old := c.peers[remote]
	c.peers[remote] = link
	self := c.self
	c.mu.Unlock()

	if old != nil {
		if err := c.release(old); err != nil {
			c.log.Debug("close replaced link", zap.Uint32("peer", remote), zap.Error(err))
		}
	}

	go link.run()
	c.wire(link)

	if IsInitiator(self, remote) {
		dc, err := pc.CreateDataChannel(ChannelLabel)
		if err != nil {
			c.log.Warn("create data channel", zap.Uint32("peer", remote), zap.Error(err))
			return nil
		}
		c.attach(link, dc)
	}
	c.log.Debug("connecting", zap.Uint32("peer", remote), zap.Bool("initiator", IsInitiator(self, remote)))
	return nil
}

func (c *Coordinator) wire(link *peerLink) {
	link.pc.OnNegotiationNeeded(func() {
		link.do(func() { c.offer(link) })
	})
	link.pc.OnICECandidate(func(cand *webrtc.ICECandidateInit) {
		if cand == nil || !c.current(link) {
			return
		}
		payload, err := encodePayload(cand)
		if err != nil {
			c.log.Warn("encode candidate", zap.Uint32("peer", link.id), zap.Error(err))
			return
		}
		c.signal(link, codec.CmdCandidate, payload)
	})
	link.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateClosed:
			c.lost(link, "ice "+s.String())
		}
	})
	link.pc.OnDataChannel(func(dc DataChannel) {
		c.attach(link, dc)
	})
}

func (c *Coordinator) attach(link *peerLink, dc DataChannel) {
	c.mu.Lock()
	if c.peers[link.id] != link {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	link.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		ok := c.peers[link.id] == link && link.dc == dc
		if ok {
			link.open = true
		}
		c.mu.Unlock()
		if ok {
			c.emit(Event{Kind: EventOpen, PeerID: link.id})
		}
	})
	dc.OnClose(func() {
		c.lost(link, "data channel closed")
	})
	dc.OnMessage(func(b []byte) {
		if !c.current(link) {
			return
		}
		c.emit(Event{Kind: EventMessage, PeerID: link.id, Data: append([]byte(nil), b...)})
	})
}

func (c *Coordinator) offer(link *peerLink) {
	if !IsInitiator(c.Self(), link.id) {
		return
	}
	offer, err := link.pc.CreateOffer()
	if err != nil {
		c.log.Warn("create offer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		c.log.Warn("set local offer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	payload, err := encodePayload(offer)
	if err != nil {
		c.log.Warn("encode offer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	c.signal(link, codec.CmdOffer, payload)
}

// HandleSignal applies an O, A or C frame whose id is the sending peer.
func (c *Coordinator) HandleSignal(frame codec.TransferData) error {
	from, err := frame.PeerID()
	if err != nil {
		return err
	}
	c.mu.Lock()
	link := c.peers[from]
	c.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, from)
	}

	switch frame.Command {
	case codec.CmdOffer:
		var desc webrtc.SessionDescription
		if err := decodePayload(frame.Data, &desc); err != nil {
			return err
		}
		link.do(func() { c.answer(link, desc) })
	case codec.CmdAnswer:
		var desc webrtc.SessionDescription
		if err := decodePayload(frame.Data, &desc); err != nil {
			return err
		}
		link.do(func() {
			if err := c.setRemote(link, desc); err != nil {
				c.log.Warn("set remote answer", zap.Uint32("peer", link.id), zap.Error(err))
			}
		})
	case codec.CmdCandidate:
		var cand webrtc.ICECandidateInit
		if err := decodePayload(frame.Data, &cand); err != nil {
			return err
		}
		link.do(func() { c.addCandidate(link, cand) })
	default:
		return fmt.Errorf("%w: command %q", ErrMalformedSignal, frame.Command)
	}
	return nil
}

func (c *Coordinator) answer(link *peerLink, offer webrtc.SessionDescription) {
	if err := c.setRemote(link, offer); err != nil {
		c.log.Warn("set remote offer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	answer, err := link.pc.CreateAnswer()
	if err != nil {
		c.log.Warn("create answer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		c.log.Warn("set local answer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	payload, err := encodePayload(answer)
	if err != nil {
		c.log.Warn("encode answer", zap.Uint32("peer", link.id), zap.Error(err))
		return
	}
	c.signal(link, codec.CmdAnswer, payload)
}

// setRemote applies desc and then any candidates that arrived before it.
func (c *Coordinator) setRemote(link *peerLink, desc webrtc.SessionDescription) error {
	if err := link.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	for _, cand := range pending {
		c.addCandidate(link, cand)
	}
	return nil
}

func (c *Coordinator) addCandidate(link *peerLink, cand webrtc.ICECandidateInit) {
	if !link.remoteSet {
		link.pending = append(link.pending, cand)
		return
	}
	if err := link.pc.AddICECandidate(cand); err != nil {
		c.log.Warn("add candidate", zap.Uint32("peer", link.id), zap.Error(err))
	}
}

// Send writes data to peer id's open data channel.
func (c *Coordinator) Send(id uint32, data []byte) error {
	c.mu.Lock()
	link := c.peers[id]
	if link == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	dc, open := link.dc, link.open
	c.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("%w: %d", ErrNoChannel, id)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("send to peer %d: %w", id, err)
	}
	return nil
}

// Drop releases the link to id. Dropping an unknown id is a no-op.
func (c *Coordinator) Drop(id uint32) error {
	c.mu.Lock()
	link := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()
	if link == nil {
		return nil
	}
	return c.release(link)
}

// Close releases every link. Events still buffered stay readable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]*peerLink, 0, len(c.peers))
	for id, link := range c.peers {
		links = append(links, link)
		delete(c.peers, id)
	}
	close(c.done)
	c.mu.Unlock()

	var err error
	for _, link := range links {
		err = multierr.Append(err, c.release(link))
	}
	return err
}

// lost removes link after an ICE or channel failure and reports it once.
func (c *Coordinator) lost(link *peerLink, reason string) {
	c.mu.Lock()
	if c.peers[link.id] != link {
		c.mu.Unlock()
		return
	}
	delete(c.peers, link.id)
	c.mu.Unlock()

	c.log.Info("peer disconnected", zap.Uint32("peer", link.id), zap.String("reason", reason))
	go func() {
		if err := c.release(link); err != nil {
			c.log.Debug("close lost link", zap.Uint32("peer", link.id), zap.Error(err))
		}
	}()
	c.emit(Event{Kind: EventDisconnected, PeerID: link.id, Reason: reason})
}

func (c *Coordinator) release(link *peerLink) error {
	c.mu.Lock()
	dc := link.dc
	link.dc = nil
	link.open = false
	c.mu.Unlock()

	var err error
	link.closeOnce.Do(func() {
		close(link.done)
		if dc != nil {
			err = multierr.Append(err, dc.Close())
		}
		err = multierr.Append(err, link.pc.Close())
	})
	return err
}

func (c *Coordinator) current(link *peerLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[link.id] == link
}

func (c *Coordinator) signal(link *peerLink, cmd, payload string) {
	if !c.current(link) {
		return
	}
	frame := codec.NewFrame(cmd, codec.FormatPeerID(link.id), payload)
	c.emit(Event{Kind: EventSignal, PeerID: link.id, Frame: frame})
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (l *peerLink) run() {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.ops:
			fn()
		}
	}
}

// do queues fn behind every earlier operation on this link.
func (l *peerLink) do(fn func()) {
	select {
	case l.ops <- fn:
	case <-l.done:
	}
}

func encodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodePayload(s string, v any) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSignal, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSignal, err)
	}
	return nil
}
