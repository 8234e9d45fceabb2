package lobby

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/meshdraw/internal/codec"
	"github.com/DoyleJ11/meshdraw/internal/engine"
	"github.com/DoyleJ11/meshdraw/internal/hub"
	"github.com/DoyleJ11/meshdraw/internal/mesh"
	"github.com/DoyleJ11/meshdraw/internal/mesh/meshtest"
	"github.com/DoyleJ11/meshdraw/internal/signal"
	"github.com/DoyleJ11/meshdraw/internal/types"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

var errHubGone = errors.New("hub stopped")

// hubRelay feeds frames into an in-process hub as if they came off a socket.
type hubRelay struct {
	h  *hub.Hub
	id uint32
}

func (r hubRelay) Send(f codec.TransferData) error {
	select {
	case r.h.Inbox() <- hub.Inbound{From: r.id, Line: codec.Encode(f)}:
		return nil
	case <-r.h.Done():
		return errHubGone
	}
}

// pump turns hub outbox lines into signaling events.
func pump(ctx context.Context, out <-chan string, events chan<- signal.Event) {
	emit := func(ev signal.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !emit(signal.Event{Kind: signal.EventConnected}) {
		return
	}
	for line := range out {
		f, err := codec.Decode(line)
		if err != nil {
			continue
		}
		if !emit(signal.Event{Kind: signal.EventMessage, Frame: f}) {
			return
		}
	}
	emit(signal.Event{Kind: signal.EventDisconnected})
}

type player struct {
	id uint32
	s  *Session

	mu    sync.Mutex
	notes []types.Notification
}

func (p *player) saw(typ types.NotificationType) []types.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Notification
	for _, n := range p.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func join(t *testing.T, h *hub.Hub, net *meshtest.Network, name, room string) *player {
	t.Helper()
	ctx := t.Context()
	out := make(chan string, 256)
	reply := make(chan uint32, 1)
	h.Inbox() <- hub.Register{Outbox: out, Reply: reply}
	id := <-reply

	signals := make(chan signal.Event, 256)
	go pump(ctx, out, signals)

	log := zaptest.NewLogger(t)
	coord := mesh.NewCoordinator(mesh.Config{Factory: net, Logger: log})
	p := &player{id: id}
	p.s = New(ctx, Config{
		Name:          name,
		Room:          room,
		Relay:         hubRelay{h: h, id: id},
		Signals:       signals,
		Mesh:          coord,
		FlushInterval: 10 * time.Millisecond,
		Logger:        log,
	})
	p.s.Subscribe(func(n types.Notification) {
		p.mu.Lock()
		p.notes = append(p.notes, n)
		p.mu.Unlock()
	})
	return p
}

func view(t *testing.T, p *player) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), wait)
	defer cancel()
	v, err := p.s.Snapshot(ctx)
	require.NoError(t, err)
	return v
}

func until(t *testing.T, p *player, msg string, cond func(View) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(view(t, p))
	}, wait, tick, msg)
}

func roster(v View) []uint32 {
	return slices.Sorted(maps.Keys(v.Lobby.Peers))
}

func ready(v View, id uint32) bool {
	return v.Lobby.Peers[id].IsReady
}

// pair starts a creator and a joiner and waits until both see each other ready.
func pair(t *testing.T) (*hub.Hub, *meshtest.Network, *player, *player) {
	t.Helper()
	h := hub.NewHub(t.Context(), zaptest.NewLogger(t))
	net := meshtest.NewNetwork()

	a := join(t, h, net, "alice", "")
	until(t, a, "creator joins", func(v View) bool { return v.Joined })
	code := view(t, a).Lobby.RoomID
	require.Len(t, code, 6)

	b := join(t, h, net, "bob", code)
	until(t, a, "a sees b ready", func(v View) bool { return ready(v, b.id) })
	until(t, b, "b sees a ready", func(v View) bool { return ready(v, a.id) })
	return h, net, a, b
}

func TestSession_JoinAndGreet(t *testing.T) {
	_, _, a, b := pair(t)

	va := view(t, a)
	vb := view(t, b)
	assert.Equal(t, "bob", va.Lobby.Peers[b.id].Name)
	assert.Equal(t, "alice", vb.Lobby.Peers[a.id].Name)
	assert.Equal(t, va.Lobby.RoomID, vb.Lobby.RoomID)

	// The creator leads and pushes its state to the joiner on open.
	assert.Equal(t, a.id, va.Lobby.State.Leader)
	until(t, b, "b learns the leader", func(v View) bool { return v.Lobby.State.Leader == a.id })
	assert.NotEmpty(t, a.saw(types.NoteConnected))
}

func TestSession_GuessIsSeenByEveryone(t *testing.T) {
	h, net, a, b := pair(t)

	require.NoError(t, a.s.ChangeTurn(a.id))
	require.NoError(t, a.s.ChangeWord("cat"))
	until(t, b, "b receives the word", func(v View) bool {
		return v.Lobby.State.Leader == a.id && v.Lobby.State.Game.Word.Chosen && v.Lobby.State.Game.Word.Word == "cat"
	})

	// The word is hidden from everyone but the leader.
	words := b.saw(types.NoteWordChanged)
	require.NotEmpty(t, words)
	assert.Equal(t, "___", words[len(words)-1].Word)
	words = a.saw(types.NoteWordChanged)
	require.NotEmpty(t, words)
	assert.Equal(t, "cat", words[len(words)-1].Word)

	require.NoError(t, b.s.SendChat("CAT"))
	for _, p := range []*player{a, b} {
		until(t, p, "guess recorded", func(v View) bool {
			return v.Lobby.Peers[b.id].Guessed && v.Lobby.State.Game.Guessed[b.id]
		})
	}
	assert.Len(t, a.saw(types.NoteGuessed), 1)

	// A third peer whose connections fail never makes it into anyone's roster.
	code := view(t, a).Lobby.RoomID
	c := join(t, h, net, "carol", code)
	until(t, a, "a hears about c", func(v View) bool { _, ok := v.Lobby.Peers[c.id]; return ok })
	until(t, b, "b hears about c", func(v View) bool { _, ok := v.Lobby.Peers[c.id]; return ok })
	require.Eventually(t, func() bool { return len(net.Conns()) >= 6 }, wait, tick)

	// Keep failing until every side has wired its handlers and given up on c.
	require.Eventually(t, func() bool {
		for _, conn := range net.Conns()[2:] {
			conn.SetICEState(webrtc.ICEConnectionStateFailed)
		}
		return slices.Equal(roster(view(t, a)), []uint32{a.id, b.id}) &&
			slices.Equal(roster(view(t, b)), []uint32{a.id, b.id})
	}, wait, 20*time.Millisecond, "c dropped")
	until(t, c, "c alone", func(v View) bool { return slices.Equal(roster(v), []uint32{c.id}) })
}

func TestSession_SealSpreadsOnce(t *testing.T) {
	_, _, a, b := pair(t)

	require.NoError(t, a.s.Seal())
	until(t, b, "b sealed", func(v View) bool {
		return v.Lobby.Sealed && v.Lobby.State.Phase == engine.PhaseGame
	})
	assert.True(t, view(t, a).Lobby.Sealed)

	// Both hear the seal again over the mesh and the relay but flip once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.saw(types.NoteSealed), 1)
	assert.Len(t, b.saw(types.NoteSealed), 1)
}

func TestSession_StrokesAreBatched(t *testing.T) {
	_, _, a, b := pair(t)

	for i := range 5 {
		require.NoError(t, a.s.Draw(engine.Point{X: float64(i), Y: 1, SourceWidth: 100, SourceHeight: 100, Draw: true}))
	}
	until(t, b, "strokes arrive", func(v View) bool { return len(v.Lobby.State.Game.Drawing) == 5 })

	drawing := view(t, b).Lobby.State.Game.Drawing
	for i, pt := range drawing {
		assert.Equal(t, uint32(i), pt.SequenceID)
		assert.Equal(t, float64(i), pt.X)
	}
}

func TestSession_OnlyLeaderDraws(t *testing.T) {
	_, _, a, b := pair(t)

	require.NoError(t, b.s.Draw(engine.Point{X: 99, SourceWidth: 100, SourceHeight: 100}))
	require.NoError(t, a.s.Draw(engine.Point{X: 1, SourceWidth: 100, SourceHeight: 100}))
	until(t, b, "leader stroke arrives", func(v View) bool { return len(v.Lobby.State.Game.Drawing) == 1 })
	assert.Len(t, view(t, a).Lobby.State.Game.Drawing, 1)

	require.NoError(t, a.s.ChangeTurn(b.id))
	until(t, b, "b leads", func(v View) bool { return v.Lobby.State.Leader == b.id })
	assert.Empty(t, view(t, b).Lobby.State.Game.Drawing)

	// a's late stroke no longer counts.
	require.NoError(t, a.s.Draw(engine.Point{X: 2, SourceWidth: 100, SourceHeight: 100}))
	require.NoError(t, b.s.Draw(engine.Point{X: 3, SourceWidth: 100, SourceHeight: 100}))
	until(t, a, "new leader stroke arrives", func(v View) bool { return len(v.Lobby.State.Game.Drawing) == 1 })

	for _, p := range []*player{a, b} {
		drawing := view(t, p).Lobby.State.Game.Drawing
		require.Len(t, drawing, 1)
		assert.Equal(t, float64(3), drawing[0].X)
		assert.Zero(t, drawing[0].SequenceID)
	}
}

func TestSession_LeaveTellsPeers(t *testing.T) {
	_, _, a, b := pair(t)

	require.NoError(t, b.s.Leave())
	require.NoError(t, b.s.Wait())

	until(t, a, "b gone", func(v View) bool { return slices.Equal(roster(v), []uint32{a.id}) })
	left := a.saw(types.NotePeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, b.id, left[0].PeerID)

	assert.ErrorIs(t, b.s.SendChat("hello?"), ErrSessionClosed)
}

func TestSession_SignalingLossEndsSession(t *testing.T) {
	signals := make(chan signal.Event, 4)
	net := meshtest.NewNetwork()
	s := New(t.Context(), Config{
		Name:    "solo",
		Relay:   relayFunc(func(codec.TransferData) error { return nil }),
		Signals: signals,
		Mesh:    mesh.NewCoordinator(mesh.Config{Factory: net}),
		Logger:  zaptest.NewLogger(t),
	})

	v, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.False(t, v.Joined)

	signals <- signal.Event{Kind: signal.EventDisconnected}
	assert.ErrorIs(t, s.Wait(), ErrSignalingLost)
}

func TestSession_ContextCancelEndsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	var sent []codec.TransferData
	var mu sync.Mutex
	signals := make(chan signal.Event, 4)
	s := New(ctx, Config{
		Relay: relayFunc(func(f codec.TransferData) error {
			mu.Lock()
			sent = append(sent, f)
			mu.Unlock()
			return nil
		}),
		Room:    "ROOM99",
		Signals: signals,
		Mesh:    mesh.NewCoordinator(mesh.Config{Factory: meshtest.NewNetwork()}),
		Logger:  zaptest.NewLogger(t),
	})

	signals <- signal.Event{Kind: signal.EventConnected}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, wait, tick)
	mu.Lock()
	assert.Equal(t, codec.TransferData{Command: codec.CmdJoin, ID: "ROOM99"}, sent[0])
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, s.Wait(), context.Canceled)
}

type relayFunc func(codec.TransferData) error

func (f relayFunc) Send(td codec.TransferData) error { return f(td) }

func TestSession_AudioIsRelayedUntouched(t *testing.T) {
	_, _, a, b := pair(t)

	chunk := codec.AudioChunk{Data: []byte{0, 1, 2, 250}, MimeType: "audio/webm"}
	require.NoError(t, a.s.SendAudio(chunk))

	require.Eventually(t, func() bool { return len(b.saw(types.NoteAudio)) == 1 }, wait, tick)
	got := b.saw(types.NoteAudio)[0]
	assert.Equal(t, a.id, got.PeerID)
	require.NotNil(t, got.Audio)
	assert.Equal(t, chunk, *got.Audio)
}

func TestSession_OfferWordsAndPushState(t *testing.T) {
	_, _, a, b := pair(t)

	require.NoError(t, a.s.OfferWords(3))
	until(t, a, "candidates offered", func(v View) bool {
		return len(v.Lobby.State.Game.Word.Candidates) == 3
	})

	// A bad count is ignored and the session keeps running.
	require.NoError(t, a.s.OfferWords(-1))
	assert.Len(t, view(t, a).Lobby.State.Game.Word.Candidates, 3)

	state := view(t, a).Lobby.State
	state.Scores[b.id] = 7
	require.NoError(t, a.s.PushState(codec.SocketScoreChange, state))
	until(t, b, "score replaced", func(v View) bool { return v.Lobby.State.Scores[b.id] == 7 })

	// Only state-carrying kinds can be pushed.
	require.NoError(t, a.s.PushState(codec.SocketPong, state))
	v := view(t, a)
	assert.Equal(t, 7, v.Lobby.State.Scores[b.id])
}
