package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/meshdraw/internal/codec"
	"github.com/DoyleJ11/meshdraw/internal/mesh"
	"github.com/DoyleJ11/meshdraw/internal/mesh/meshtest"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

// node is one coordinator plus whatever non-signal events it reported.
type node struct {
	id uint32
	c  *mesh.Coordinator

	mu     sync.Mutex
	events []mesh.Event
}

func (n *node) seen(kind mesh.EventKind, peer uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.Kind == kind && ev.PeerID == peer {
			count++
		}
	}
	return count
}

func (n *node) messages(peer uint32) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.Kind == mesh.EventMessage && ev.PeerID == peer {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func newNode(t *testing.T, net *meshtest.Network, id uint32) *node {
	t.Helper()
	c := mesh.NewCoordinator(mesh.Config{
		SelfID:     id,
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		Factory:    net,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = c.Close() })
	return &node{id: id, c: c}
}

// relay pumps every node's signal frames to their target with the id
// rewritten to the sender, like the relay server does.
func relay(ctx context.Context, t *testing.T, nodes ...*node) {
	byID := map[uint32]*node{}
	for _, n := range nodes {
		byID[n.id] = n
	}
	for _, n := range nodes {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-n.c.Events():
					if ev.Kind != mesh.EventSignal {
						n.mu.Lock()
						n.events = append(n.events, ev)
						n.mu.Unlock()
						continue
					}
					target := byID[ev.PeerID]
					if target == nil {
						continue
					}
					frame := ev.Frame
					frame.ID = codec.FormatPeerID(n.id)
					if err := target.c.HandleSignal(frame); err != nil {
						t.Logf("signal %s from %d to %d: %v", frame.Command, n.id, target.id, err)
					}
				}
			}
		}()
	}
}

func TestIsInitiator(t *testing.T) {
	assert.True(t, mesh.IsInitiator(9, 3))
	assert.False(t, mesh.IsInitiator(3, 9))
	assert.False(t, mesh.IsInitiator(3, 3))
}

func TestOnlyLargerIDCreatesChannel(t *testing.T) {
	orders := []struct {
		name  string
		first uint32
	}{
		{name: "smaller announced first", first: 3},
		{name: "larger announced first", first: 9},
	}

	for _, tc := range orders {
		t.Run(tc.name, func(t *testing.T) {
			net := meshtest.NewNetwork()
			lo := newNode(t, net, 3)
			hi := newNode(t, net, 9)

			if tc.first == 3 {
				require.NoError(t, lo.c.Connect(9))
				require.NoError(t, hi.c.Connect(3))
			} else {
				require.NoError(t, hi.c.Connect(3))
				require.NoError(t, lo.c.Connect(9))
			}

			conns := net.Conns()
			require.Len(t, conns, 2)
			byOwner := map[uint32]*meshtest.Conn{}
			if tc.first == 3 {
				byOwner[3], byOwner[9] = conns[0], conns[1]
			} else {
				byOwner[9], byOwner[3] = conns[0], conns[1]
			}
			assert.True(t, byOwner[9].HasChannel(), "larger id must create the channel")
			assert.False(t, byOwner[3].HasChannel(), "smaller id must wait for the channel")

			// Candidates may overtake the offer; the responder queues them.
			deadline := time.After(wait)
			for offered := false; !offered; {
				select {
				case ev := <-hi.c.Events():
					require.Equal(t, mesh.EventSignal, ev.Kind)
					assert.Equal(t, "3", ev.Frame.ID)
					offered = ev.Frame.Command == codec.CmdOffer
				case <-deadline:
					t.Fatal("initiator never sent an offer")
				}
			}
			select {
			case ev := <-lo.c.Events():
				t.Fatalf("responder emitted %s before any offer", ev.Kind)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestHandshakeOpensChannelBothWays(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 1)
	b := newNode(t, net, 2)
	relay(t.Context(), t, a, b)

	require.NoError(t, a.c.Connect(2))
	require.NoError(t, b.c.Connect(1))

	require.Eventually(t, func() bool {
		return a.seen(mesh.EventOpen, 2) == 1 && b.seen(mesh.EventOpen, 1) == 1
	}, wait, tick)

	require.NoError(t, a.c.Send(2, []byte("hello from a")))
	require.NoError(t, b.c.Send(1, []byte("hello from b")))
	require.NoError(t, b.c.Send(1, []byte("again")))

	require.Eventually(t, func() bool {
		return len(b.messages(1)) == 1 && len(a.messages(2)) == 2
	}, wait, tick)
	assert.Equal(t, []string{"hello from a"}, b.messages(1))
	assert.Equal(t, []string{"hello from b", "again"}, a.messages(2))

	for _, conn := range net.Conns() {
		assert.Eventually(t, func() bool { return len(conn.Candidates()) == 1 }, wait, tick,
			"conn %d never applied the remote candidate", conn.Serial)
		assert.Equal(t, []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, conn.Config.ICEServers)
	}
}

func TestSendErrors(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 5)

	err := a.c.Send(7, []byte("x"))
	require.ErrorIs(t, err, mesh.ErrUnknownPeer)

	require.NoError(t, a.c.Connect(7))
	err = a.c.Send(7, []byte("x"))
	require.ErrorIs(t, err, mesh.ErrNoChannel)
}

func TestConnectFailureLeavesPeerUnreachable(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 2)
	net.FailNext()

	err := a.c.Connect(1)
	require.ErrorIs(t, err, mesh.ErrCreateConnection)
	require.ErrorIs(t, err, meshtest.ErrRefused)
	assert.Empty(t, a.c.Peers())
	require.ErrorIs(t, a.c.Send(1, []byte("x")), mesh.ErrUnknownPeer)

	// A fresh announcement makes a new attempt.
	require.NoError(t, a.c.Connect(1))
	assert.Equal(t, []uint32{1}, a.c.Peers())
}

func TestICEFailureDisconnectsBothSides(t *testing.T) {
	states := []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed,
	}

	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			net := meshtest.NewNetwork()
			a := newNode(t, net, 1)
			b := newNode(t, net, 2)
			relay(t.Context(), t, a, b)
			require.NoError(t, a.c.Connect(2))
			require.NoError(t, b.c.Connect(1))
			require.Eventually(t, func() bool {
				return a.seen(mesh.EventOpen, 2) == 1 && b.seen(mesh.EventOpen, 1) == 1
			}, wait, tick)

			net.Conns()[0].SetICEState(state)

			require.Eventually(t, func() bool {
				return a.seen(mesh.EventDisconnected, 2) == 1 && b.seen(mesh.EventDisconnected, 1) == 1
			}, wait, tick)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, a.seen(mesh.EventDisconnected, 2), "disconnect reported once")
			assert.Empty(t, a.c.Peers())
			assert.Empty(t, b.c.Peers())
			require.ErrorIs(t, a.c.Send(2, []byte("x")), mesh.ErrUnknownPeer)
		})
	}
}

func TestMidNegotiationFailureCleansUp(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 1)
	relay(t.Context(), t, a)

	// Peer 3 never answers.
	require.NoError(t, a.c.Connect(3))
	net.Conns()[0].SetICEState(webrtc.ICEConnectionStateFailed)

	require.Eventually(t, func() bool { return a.seen(mesh.EventDisconnected, 3) == 1 }, wait, tick)
	assert.Empty(t, a.c.Peers())
	assert.Eventually(t, net.Conns()[0].Closed, wait, tick)
}

func TestReconnectReplacesLinkSilently(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 1)
	relay(t.Context(), t, a)

	require.NoError(t, a.c.Connect(4))
	require.NoError(t, a.c.Connect(4))

	conns := net.Conns()
	require.Len(t, conns, 2)
	assert.Eventually(t, conns[0].Closed, wait, tick)
	assert.False(t, conns[1].Closed())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, a.seen(mesh.EventDisconnected, 4), "stale link must not report")
	assert.Equal(t, []uint32{4}, a.c.Peers())
}

func TestHandleSignalRejectsBadFrames(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 1)
	require.NoError(t, a.c.Connect(2))

	cases := []struct {
		name  string
		frame codec.TransferData
		want  error
	}{
		{name: "unknown sender", frame: codec.NewFrame(codec.CmdAnswer, "9", ""), want: mesh.ErrUnknownPeer},
		{name: "non numeric sender", frame: codec.NewFrame(codec.CmdAnswer, "bob", ""), want: codec.ErrBadPeerID},
		{name: "not base64", frame: codec.NewFrame(codec.CmdOffer, "2", "%%%"), want: mesh.ErrMalformedSignal},
		{name: "not json", frame: codec.NewFrame(codec.CmdCandidate, "2", "bm90IGpzb24="), want: mesh.ErrMalformedSignal},
		{name: "not a signal", frame: codec.NewFrame(codec.CmdSeal, "2", ""), want: mesh.ErrMalformedSignal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, a.c.HandleSignal(tc.frame), tc.want)
		})
	}
}

func TestCloseReleasesEveryLink(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 10)

	require.NoError(t, a.c.Connect(1))
	require.NoError(t, a.c.Connect(2))
	require.NoError(t, a.c.Close())
	require.NoError(t, a.c.Close())

	for _, conn := range net.Conns() {
		assert.True(t, conn.Closed())
	}
	assert.Empty(t, a.c.Peers())
	require.ErrorIs(t, a.c.Connect(3), mesh.ErrClosed)
}

func TestDropUnknownIsNoop(t *testing.T) {
	net := meshtest.NewNetwork()
	a := newNode(t, net, 1)
	require.NoError(t, a.c.Drop(42))

	require.NoError(t, a.c.Connect(2))
	require.NoError(t, a.c.Drop(2))
	assert.True(t, net.Conns()[0].Closed())
	assert.Empty(t, a.c.Peers())
}
