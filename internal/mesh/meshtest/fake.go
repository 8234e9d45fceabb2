// Package meshtest is an in-memory stand-in for pion used by tests. Offers
// and answers carry the serial of the connection that made them, and a
// connection that applies an answer links its data channel to the answerer's.
package meshtest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/DoyleJ11/meshdraw/internal/mesh"
)

var ErrRefused = errors.New("peer connection refused")
var errNoRemote = errors.New("remote description not set")
var errChannelClosed = errors.New("data channel not open")
var errBufferFull = errors.New("data channel buffer full")

type Network struct {
	mu       sync.Mutex
	next     int
	conns    map[int]*Conn
	failNext bool
}

func NewNetwork() *Network {
	return &Network{conns: make(map[int]*Conn)}
}

// FailNext makes the next NewPeerConnection call fail.
func (n *Network) FailNext() {
	n.mu.Lock()
	n.failNext = true
	n.mu.Unlock()
}

func (n *Network) NewPeerConnection(cfg webrtc.Configuration) (mesh.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext {
		n.failNext = false
		return nil, ErrRefused
	}
	n.next++
	c := &Conn{net: n, Serial: n.next, Config: cfg}
	n.conns[c.Serial] = c
	return c, nil
}

// Conns returns every connection made so far in creation order.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (n *Network) conn(serial int) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[serial]
}

type Conn struct {
	net    *Network
	Serial int
	Config webrtc.Configuration

	mu            sync.Mutex
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	channel       *Channel
	closed        bool
	onNegotiation func()
	onCandidate   func(*webrtc.ICECandidateInit)
	onICEState    func(webrtc.ICEConnectionState)
	onDataChannel func(mesh.DataChannel)
}

func (c *Conn) CreateDataChannel(label string) (mesh.DataChannel, error) {
	c.mu.Lock()
	ch := newChannel(label)
	c.channel = ch
	fn := c.onNegotiation
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
	return ch, nil
}

func (c *Conn) describe(t webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: "fake:" + strconv.Itoa(c.Serial)}
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.describe(webrtc.SDPTypeOffer), nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, errNoRemote
	}
	return c.describe(webrtc.SDPTypeAnswer), nil
}

// SetLocalDescription starts "gathering": one candidate is reported.
func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = &d
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		cand := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 127.0.0.1 9 typ host", c.Serial)}
		go func() {
			fn(&cand)
			fn(nil)
		}()
	}
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = &d
	c.mu.Unlock()
	if d.Type != webrtc.SDPTypeAnswer {
		return nil
	}
	serial, err := strconv.Atoi(strings.TrimPrefix(d.SDP, "fake:"))
	if err != nil {
		return err
	}
	other := c.net.conn(serial)
	if other == nil {
		return fmt.Errorf("no connection %d", serial)
	}
	c.connect(other)
	return nil
}

// connect pairs c's channel with a twin on the answerer and opens both.
func (c *Conn) connect(answerer *Conn) {
	c.mu.Lock()
	mine := c.channel
	c.mu.Unlock()
	if mine == nil {
		return
	}
	twin := newChannel(mine.label)
	mine.pair(twin)

	answerer.mu.Lock()
	answerer.channel = twin
	onDC := answerer.onDataChannel
	answerer.mu.Unlock()

	go func() {
		if onDC != nil {
			onDC(twin)
		}
		twin.open()
		mine.open()
	}()
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errNoRemote
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) HasChannel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNegotiation = fn
	c.mu.Unlock()
}

func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = fn
	c.mu.Unlock()
}

func (c *Conn) OnDataChannel(fn func(mesh.DataChannel)) {
	c.mu.Lock()
	c.onDataChannel = fn
	c.mu.Unlock()
}

// SetICEState reports s as if ICE had moved there.
func (c *Conn) SetICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICEState
	c.mu.Unlock()
	if fn != nil {
		go fn(s)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	c.SetICEState(webrtc.ICEConnectionStateClosed)
	return nil
}

type Channel struct {
	label string
	inbox chan []byte

	mu        sync.Mutex
	peer      *Channel
	isOpen    bool
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func newChannel(label string) *Channel {
	return &Channel{label: label, inbox: make(chan []byte, 1024)}
}

func (ch *Channel) pair(other *Channel) {
	ch.mu.Lock()
	ch.peer = other
	ch.mu.Unlock()
	other.mu.Lock()
	other.peer = ch
	other.mu.Unlock()
}

func (ch *Channel) open() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.isOpen = true
	fn := ch.onOpen
	ch.mu.Unlock()
	go ch.deliver()
	if fn != nil {
		fn()
	}
}

// deliver hands queued messages to OnMessage in send order.
func (ch *Channel) deliver() {
	for b := range ch.inbox {
		ch.mu.Lock()
		fn := ch.onMessage
		ch.mu.Unlock()
		if fn != nil {
			fn(b)
		}
	}
}

func (ch *Channel) Label() string { return ch.label }

func (ch *Channel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

func (ch *Channel) Send(b []byte) error {
	ch.mu.Lock()
	peer, ok := ch.peer, ch.isOpen && !ch.closed
	ch.mu.Unlock()
	if !ok || peer == nil {
		return errChannelClosed
	}
	return peer.enqueue(append([]byte(nil), b...))
}

func (ch *Channel) enqueue(b []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errChannelClosed
	}
	select {
	case ch.inbox <- b:
		return nil
	default:
		return errBufferFull
	}
}

// Close closes both ends.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.inbox)
	peer, fn := ch.peer, ch.onClose
	ch.mu.Unlock()
	if fn != nil {
		go fn()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return nil
}
