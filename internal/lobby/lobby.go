package lobby

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/codec"
	"github.com/DoyleJ11/meshdraw/internal/dispatch"
	"github.com/DoyleJ11/meshdraw/internal/engine"
	"github.com/DoyleJ11/meshdraw/internal/mesh"
	"github.com/DoyleJ11/meshdraw/internal/signal"
	"github.com/DoyleJ11/meshdraw/internal/types"
)

var ErrSignalingLost = errors.New("signaling connection lost")
var ErrSessionClosed = errors.New("session closed")

// Relay sends one frame to the signaling relay.
type Relay interface {
	Send(codec.TransferData) error
}

// Mesh is the part of the mesh coordinator the session drives.
type Mesh interface {
	SetSelf(id uint32)
	Connect(remote uint32) error
	HandleSignal(codec.TransferData) error
	Send(id uint32, data []byte) error
	Drop(id uint32) error
	Close() error
	Events() <-chan mesh.Event
}

type Config struct {
	Name string
	// Room to join. Empty asks the relay for a new room.
	Room    string
	Relay   Relay
	Signals <-chan signal.Event
	Mesh    Mesh

	FlushInterval time.Duration
	PingInterval  time.Duration
	Rand          *rand.Rand
	Logger        *zap.Logger
}

type Msg interface{ isSessionMsg() }

type Seal struct{}

type ChangeTurn struct{ Leader uint32 }

type ChangeWord struct{ Word string }

type OfferWords struct{ N int }

type SendChat struct{ Text string }

type Draw struct{ Point engine.Point }

type SendAudio struct{ Chunk codec.AudioChunk }

// PushState broadcasts a full state snapshot. Kind must be one of the
// LeaderChange, ScoreChange, TimeUpdate or GameStart socket kinds.
type PushState struct {
	Kind  codec.SocketKind
	State engine.State
}

type Leave struct{}

type GetState struct {
	Reply chan View
}

func (Seal) isSessionMsg()       {}
func (ChangeTurn) isSessionMsg() {}
func (ChangeWord) isSessionMsg() {}
func (OfferWords) isSessionMsg() {}
func (SendChat) isSessionMsg()   {}
func (Draw) isSessionMsg()       {}
func (SendAudio) isSessionMsg()  {}
func (PushState) isSessionMsg()  {}
func (Leave) isSessionMsg()      {}
func (GetState) isSessionMsg()   {}

// View is a snapshot of the session. Lobby is a deep clone.
type View struct {
	Version int
	Joined  bool
	Lobby   engine.Lobby
}

// Session is the single writer of one engine.Lobby. Local intents, relay
// frames and mesh events are all handled on its loop goroutine.
type Session struct {
	cfg    Config
	log    *zap.Logger
	inbox  chan Msg
	disp   *dispatch.Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// owned by loop
	selfID   uint32
	haveSelf bool
	roomID   string
	haveRoom bool
	lobby    *engine.Lobby
	version  int
	strokes  []engine.Point
}

func New(parent context.Context, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	log := cfg.Logger.Named("lobby")
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		cfg:    cfg,
		log:    log,
		inbox:  make(chan Msg, 64),
		disp:   dispatch.New(cfg.Mesh, log),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Subscribe registers fn for notifications. fn runs on the session loop and
// must not block or call back into the session synchronously.
func (s *Session) Subscribe(fn func(types.Notification)) func() {
	return s.disp.Subscribe(fn)
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns why it ended. A Leave
// returns nil.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

func (s *Session) post(m Msg) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) Seal() error { return s.post(Seal{}) }
func (s *Session) ChangeTurn(leader uint32) error { return s.post(ChangeTurn{Leader: leader}) }
func (s *Session) ChangeWord(word string) error { return s.post(ChangeWord{Word: word}) }
func (s *Session) OfferWords(n int) error { return s.post(OfferWords{N: n}) }
func (s *Session) SendChat(text string) error { return s.post(SendChat{Text: text}) }
func (s *Session) Draw(p engine.Point) error { return s.post(Draw{Point: p}) }
func (s *Session) Leave() error { return s.post(Leave{}) }

func (s *Session) SendAudio(chunk codec.AudioChunk) error {
	return s.post(SendAudio{Chunk: chunk})
}

func (s *Session) PushState(kind codec.SocketKind, state engine.State) error {
	return s.post(PushState{Kind: kind, State: state.Clone()})
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case s.inbox <- GetState{Reply: reply}:
	case <-s.done:
		return View{}, ErrSessionClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return View{}, ErrSessionClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (s *Session) loop() {
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()
	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	signals := s.cfg.Signals
	meshEvents := s.cfg.Mesh.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown(s.ctx.Err())
			return

		case m := <-s.inbox:
			if _, ok := m.(Leave); ok {
				s.leave()
				return
			}
			s.handleIntent(m)

		case ev, ok := <-signals:
			if !ok {
				s.notify(types.Notification{Type: types.NoteDisconnected})
				s.shutdown(ErrSignalingLost)
				return
			}
			if err := s.handleSignal(ev); err != nil {
				s.shutdown(err)
				return
			}

		case ev := <-meshEvents:
			s.handleMesh(ev)

		case <-flush.C:
			s.flushStrokes()

		case <-ping:
			if s.lobby != nil {
				s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerPing})
			}
		}
	}
}

func (s *Session) shutdown(err error) {
	s.err = err
	if cerr := s.cfg.Mesh.Close(); cerr != nil {
		s.log.Warn("close mesh", zap.Error(cerr))
	}
	s.cancel()
	close(s.done)
	if err != nil {
		s.log.Info("session ended", zap.Error(err))
	}
}

// leave tells every peer we are going before tearing the mesh down.
func (s *Session) leave() {
	if s.lobby != nil {
		s.flushStrokes()
		s.broadcastSocket(codec.SocketMessage{Kind: codec.SocketClose, Reason: codec.CloseLeaving})
	}
	s.shutdown(nil)
}

func (s *Session) handleSignal(ev signal.Event) error {
	switch ev.Kind {
	case signal.EventConnected:
		if err := s.cfg.Relay.Send(codec.NewFrame(codec.CmdJoin, s.cfg.Room, "")); err != nil {
			s.log.Error("send join", zap.Error(err))
		}

	case signal.EventErrorConnecting:
		s.notify(types.Notification{Type: types.NoteErrorConnecting, Error: errString(ev.Err)})
		return errors.Join(ErrSignalingLost, ev.Err)

	case signal.EventDisconnected:
		s.notify(types.Notification{Type: types.NoteDisconnected, Error: errString(ev.Err)})
		return ErrSignalingLost

	case signal.EventMessage:
		s.handleFrame(ev.Frame)
	}
	return nil
}

func (s *Session) handleFrame(f codec.TransferData) {
	switch f.Command {
	case codec.CmdSelfID:
		id, err := f.PeerID()
		if err != nil {
			s.log.Warn("dropping self id frame", zap.Error(err))
			return
		}
		s.selfID, s.haveSelf = id, true
		s.cfg.Mesh.SetSelf(id)
		s.tryJoin()

	case codec.CmdJoin:
		s.roomID, s.haveRoom = f.ID, true
		if s.lobby != nil {
			s.lobby.RoomID = f.ID
			s.notify(types.Notification{Type: types.NoteConnected, Text: f.ID})
			return
		}
		s.tryJoin()

	case codec.CmdAnnounce:
		id, err := f.PeerID()
		if err != nil {
			s.log.Warn("dropping announce", zap.Error(err))
			return
		}
		s.announce(id)

	case codec.CmdOffer, codec.CmdAnswer, codec.CmdCandidate:
		if err := s.cfg.Mesh.HandleSignal(f); err != nil {
			s.log.Warn("dropping signal", zap.String("cmd", f.Command), zap.String("peer", f.ID), zap.Error(err))
		}

	case codec.CmdSeal:
		s.seal()

	case codec.CmdTurn:
		id, err := f.PeerID()
		if err != nil {
			s.log.Warn("dropping turn", zap.Error(err))
			return
		}
		s.apply(engine.Command{Type: engine.CmdChangeTurn, Leader: id})

	case codec.CmdWord:
		s.apply(engine.Command{Type: engine.CmdChangeWord, Word: f.Data})

	default:
		s.log.Debug("ignoring relay frame", zap.String("cmd", f.Command))
	}
}

// tryJoin creates the lobby once both the self id and the room are known.
func (s *Session) tryJoin() {
	if s.lobby != nil || !s.haveSelf || !s.haveRoom {
		return
	}
	s.lobby = engine.NewLobby(s.selfID, s.roomID, s.cfg.Name)
	if s.cfg.Room != "" {
		// Joiners learn the leader from the room.
		s.lobby.State.Leader = 0
	}
	s.version++
	s.log.Info("joined", zap.Uint32("self", s.selfID), zap.String("room", s.roomID))
	s.notify(types.Notification{Type: types.NoteConnected, PeerID: s.selfID, Text: s.roomID})
}

func (s *Session) announce(id uint32) {
	if s.lobby == nil {
		s.log.Warn("announce before join", zap.Uint32("peer", id))
		return
	}
	if !s.apply(engine.Command{Type: engine.CmdAnnounce, PeerID: id}) {
		return
	}
	if err := s.cfg.Mesh.Connect(id); err != nil {
		s.log.Warn("peer unreachable", zap.Uint32("peer", id), zap.Error(err))
	}
}

func (s *Session) handleMesh(ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventSignal:
		if err := s.cfg.Relay.Send(ev.Frame); err != nil {
			s.log.Warn("relay signal", zap.Uint32("peer", ev.PeerID), zap.Error(err))
		}

	case mesh.EventOpen:
		if s.lobby == nil {
			return
		}
		s.sendPlayer(ev.PeerID, codec.PlayerMessage{Kind: codec.PlayerInitialize, ClientID: s.selfID, Name: s.cfg.Name})
		if s.lobby.IsLeader() {
			s.sendSocket(ev.PeerID, codec.SocketMessage{Kind: codec.SocketLeaderChange, State: s.lobby.State})
		}

	case mesh.EventMessage:
		frame, err := codec.DecodeFrame(ev.Data)
		if err != nil {
			s.log.Warn("dropping peer frame", zap.Uint32("peer", ev.PeerID), zap.Error(err))
			return
		}
		if s.lobby == nil {
			return
		}
		if frame.Player != nil {
			s.handlePlayer(ev.PeerID, *frame.Player)
		} else {
			s.handleSocket(ev.PeerID, *frame.Socket)
		}

	case mesh.EventDisconnected:
		s.dropPeer(ev.PeerID, ev.Reason)
	}
}

func (s *Session) handlePlayer(from uint32, m codec.PlayerMessage) {
	switch m.Kind {
	case codec.PlayerInitialize:
		if m.ClientID != from {
			s.log.Warn("initialize id mismatch", zap.Uint32("peer", from), zap.Uint32("claimed", m.ClientID))
		}
		s.apply(engine.Command{Type: engine.CmdName, PeerID: from, Name: m.Name})

	case codec.PlayerPing:
		s.sendSocket(from, codec.SocketMessage{Kind: codec.SocketPong})

	case codec.PlayerChat:
		s.apply(engine.Command{Type: engine.CmdChat, PeerID: from, Text: m.Text, MessageID: m.MessageID})

	case codec.PlayerWordChosen:
		s.apply(engine.Command{Type: engine.CmdChangeWord, Word: m.Word})

	case codec.PlayerChangeTurn:
		s.apply(engine.Command{Type: engine.CmdChangeTurn, Leader: m.Leader})

	case codec.PlayerStartGame:
		s.seal()

	case codec.PlayerAddPoints:
		s.apply(engine.Command{Type: engine.CmdAddPoints, PeerID: from, Points: m.Points})

	case codec.PlayerAudioChat:
		chunk := m.Audio
		s.notify(types.Notification{Type: types.NoteAudio, PeerID: from, Audio: &chunk})

	default:
		s.log.Debug("ignoring player message", zap.Uint32("peer", from), zap.Int("kind", int(m.Kind)))
	}
}

func (s *Session) handleSocket(from uint32, m codec.SocketMessage) {
	switch m.Kind {
	case codec.SocketLeaderChange, codec.SocketScoreChange, codec.SocketTimeUpdate, codec.SocketGameStart:
		s.apply(engine.Command{Type: engine.CmdReplaceState, State: m.State})

	case codec.SocketLobbyJoined:
		s.apply(engine.Command{Type: engine.CmdReplaceState, State: m.Lobby.State})

	case codec.SocketClose:
		s.log.Info("peer closed", zap.Uint32("peer", from), zap.Stringer("reason", m.Reason))
		s.dropPeer(from, m.Reason.String())

	case codec.SocketPlayerDisconnected:
		s.dropPeer(m.Player.ID, "disconnected")

	case codec.SocketChat:
		s.notify(types.Notification{Type: types.NoteChat, PeerID: from, Name: m.Name, Text: m.Text})

	case codec.SocketAddPoints:
		s.apply(engine.Command{Type: engine.CmdAddPoints, PeerID: from, Points: m.Points})

	case codec.SocketAudioChat:
		chunk := m.Audio
		s.notify(types.Notification{Type: types.NoteAudio, PeerID: m.PeerID, Audio: &chunk})

	case codec.SocketPong:
		s.log.Debug("pong", zap.Uint32("peer", from))

	default:
		s.log.Debug("ignoring socket message", zap.Uint32("peer", from), zap.Int("kind", int(m.Kind)))
	}
}

func (s *Session) dropPeer(id uint32, reason string) {
	if err := s.cfg.Mesh.Drop(id); err != nil {
		s.log.Debug("drop peer", zap.Uint32("peer", id), zap.Error(err))
	}
	if s.lobby == nil || id == s.selfID {
		return
	}
	if _, ok := s.lobby.Peers[id]; !ok {
		return
	}
	s.notify(types.Notification{Type: types.NotePeerLeft, PeerID: id, Name: s.lobby.Peers[id].Name, Reason: reason})
	s.apply(engine.Command{Type: engine.CmdDisconnect, PeerID: id})
}

// seal applies a seal from any origin. Only the application that flips the
// lobby to sealed re-broadcasts, so repeated seals die out.
func (s *Session) seal() {
	if s.lobby == nil {
		return
	}
	before := s.lobby.RemoteIDs()
	events, err := engine.Apply(s.lobby, engine.Command{Type: engine.CmdSeal})
	if err != nil {
		s.log.Warn("seal", zap.Error(err))
		return
	}
	for _, id := range before {
		if _, ok := s.lobby.Peers[id]; !ok {
			if err := s.cfg.Mesh.Drop(id); err != nil {
				s.log.Debug("drop unready peer", zap.Uint32("peer", id), zap.Error(err))
			}
		}
	}
	if len(events) > 0 && events[0].First {
		s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerStartGame})
		if err := s.cfg.Relay.Send(codec.NewFrame(codec.CmdSeal, "", "")); err != nil {
			s.log.Warn("relay seal", zap.Error(err))
		}
	}
	s.publish(events)
}

func (s *Session) handleIntent(m Msg) {
	if g, ok := m.(GetState); ok {
		v := View{Version: s.version, Joined: s.lobby != nil}
		if s.lobby != nil {
			v.Lobby = s.lobby.Clone()
		}
		g.Reply <- v
		return
	}
	if s.lobby == nil {
		s.log.Warn("ignoring intent before join")
		return
	}

	switch msg := m.(type) {
	case Seal:
		s.seal()

	case ChangeTurn:
		if s.apply(engine.Command{Type: engine.CmdChangeTurn, Leader: msg.Leader}) {
			s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerChangeTurn, Leader: msg.Leader})
		}

	case ChangeWord:
		if s.apply(engine.Command{Type: engine.CmdChangeWord, Word: msg.Word}) {
			s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerWordChosen, Word: msg.Word})
		}

	case OfferWords:
		if msg.N < 1 {
			s.log.Warn("ignoring word offer", zap.Int("count", msg.N))
			return
		}
		words := engine.PickWords(s.cfg.Rand, msg.N)
		s.apply(engine.Command{Type: engine.CmdOfferWords, Words: words})

	case SendChat:
		id := uuid.NewString()
		if s.apply(engine.Command{Type: engine.CmdChat, PeerID: s.selfID, Text: msg.Text, MessageID: id}) {
			s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerChat, Text: msg.Text, MessageID: id})
		}

	case Draw:
		if !s.lobby.IsLeader() {
			s.log.Warn("ignoring stroke, not drawing this turn")
			return
		}
		p := msg.Point
		p.SequenceID = uint32(len(s.lobby.State.Game.Drawing))
		if s.apply(engine.Command{Type: engine.CmdAddPoints, PeerID: s.selfID, Points: []engine.Point{p}}) {
			s.strokes = append(s.strokes, p)
		}

	case SendAudio:
		s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerAudioChat, Audio: msg.Chunk})

	case PushState:
		switch msg.Kind {
		case codec.SocketLeaderChange, codec.SocketScoreChange, codec.SocketTimeUpdate, codec.SocketGameStart:
		default:
			s.log.Warn("push state with non state kind", zap.Int("kind", int(msg.Kind)))
			return
		}
		if s.apply(engine.Command{Type: engine.CmdReplaceState, State: msg.State}) {
			s.broadcastSocket(codec.SocketMessage{Kind: msg.Kind, State: s.lobby.State})
		}
	}
}

func (s *Session) flushStrokes() {
	if len(s.strokes) == 0 || s.lobby == nil {
		return
	}
	s.broadcastPlayer(codec.PlayerMessage{Kind: codec.PlayerAddPoints, Points: s.strokes})
	s.strokes = nil
}

// apply runs cmd against the lobby and publishes the resulting events. It
// reports whether the transition was accepted.
func (s *Session) apply(cmd engine.Command) bool {
	if s.lobby == nil {
		return false
	}
	events, err := engine.Apply(s.lobby, cmd)
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateMessage) {
			s.log.Debug("duplicate", zap.String("cmd", string(cmd.Type)), zap.String("message", cmd.MessageID))
		} else {
			s.log.Warn("rejected", zap.String("cmd", string(cmd.Type)), zap.Uint32("peer", cmd.PeerID), zap.Error(err))
		}
		return false
	}
	s.publish(events)
	return true
}

func (s *Session) publish(events []engine.Event) {
	if len(events) == 0 {
		return
	}
	s.version++
	for _, ev := range events {
		n := types.Notification{PeerID: ev.PeerID}
		switch ev.Type {
		case engine.EvtRosterChanged:
			n.Type = types.NoteLobbyRefreshed
		case engine.EvtSealed:
			if !ev.First {
				continue
			}
			n.Type = types.NoteSealed
		case engine.EvtTurnChanged:
			n.Type = types.NoteTurnChanged
			n.Leader = ev.Leader
		case engine.EvtWordChanged:
			n.Type = types.NoteWordChanged
			n.Word = s.lobby.VisibleWord(s.selfID)
		case engine.EvtChat:
			n.Type = types.NoteChat
			n.Name = s.lobby.Peers[ev.PeerID].Name
			n.Text = ev.Text
		case engine.EvtGuessed:
			n.Type = types.NoteGuessed
			n.Name = s.lobby.Peers[ev.PeerID].Name
		case engine.EvtStateReplaced:
			n.Type = types.NoteStateReplaced
			n.Leader = ev.Leader
		case engine.EvtPointsAdded:
			n.Type = types.NotePointsAdded
			n.Points = ev.Points
		default:
			continue
		}
		s.notify(n)
	}
}

func (s *Session) notify(n types.Notification) {
	n.Version = s.version
	if s.lobby != nil {
		snap := s.lobby.Clone()
		n.Lobby = &snap
	}
	s.disp.BroadcastLocally(n)
}

func (s *Session) broadcastPlayer(m codec.PlayerMessage) {
	b, err := m.Marshal()
	if err != nil {
		s.log.Error("encode player message", zap.Error(err))
		return
	}
	s.disp.BroadcastToPeers(s.lobby.RemoteIDs(), b)
}

func (s *Session) broadcastSocket(m codec.SocketMessage) {
	b, err := m.Marshal()
	if err != nil {
		s.log.Error("encode socket message", zap.Error(err))
		return
	}
	s.disp.BroadcastToPeers(s.lobby.RemoteIDs(), b)
}

func (s *Session) sendPlayer(to uint32, m codec.PlayerMessage) {
	b, err := m.Marshal()
	if err == nil {
		err = s.cfg.Mesh.Send(to, b)
	}
	if err != nil {
		s.log.Warn("send to peer", zap.Uint32("peer", to), zap.Error(err))
	}
}

func (s *Session) sendSocket(to uint32, m codec.SocketMessage) {
	b, err := m.Marshal()
	if err == nil {
		err = s.cfg.Mesh.Send(to, b)
	}
	if err != nil {
		s.log.Warn("send to peer", zap.Uint32("peer", to), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
