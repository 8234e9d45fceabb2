package codec

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DoyleJ11/meshdraw/internal/engine"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type CloseCode uint32

const (
	CloseWrongInit CloseCode = iota
	CloseCantCreateLobby
	CloseLobbyNotFound
	CloseNewSessionOpened
	CloseLeaving
)

func (c CloseCode) String() string {
	switch c {
	case CloseWrongInit:
		return "wrong_init"
	case CloseCantCreateLobby:
		return "cant_create_lobby"
	case CloseLobbyNotFound:
		return "lobby_not_found"
	case CloseNewSessionOpened:
		return "new_session_opened"
	case CloseLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("close(%d)", uint32(c))
	}
}

// AudioChunk is carried untouched between peers.
type AudioChunk struct {
	Data     []byte
	MimeType string
}

type Player struct {
	ID   uint32
	Name string
}

type LobbyInfo struct {
	RoomID  string
	Players []Player
	State   engine.State
}

// PlayerKind values are the top-level field numbers of the envelope.
type PlayerKind protowire.Number

const (
	PlayerInitialize PlayerKind = iota + 1
	PlayerJoinLobby
	PlayerCreateLobby
	PlayerPing
	PlayerChat
	PlayerWordChosen
	PlayerStartGame
	PlayerAddPoints
	PlayerAudioChat
	PlayerChangeTurn
)

// PlayerMessage is what a peer says about itself. Only the fields of Kind
// are encoded.
type PlayerMessage struct {
	Kind      PlayerKind
	ClientID  uint32
	Name      string
	RoomID    string
	Text      string
	MessageID string
	Word      string
	Leader    uint32
	Points    []engine.Point
	Audio     AudioChunk
}

type SocketKind protowire.Number

const (
	SocketLobbyJoined SocketKind = iota + 32
	SocketPlayerJoined
	SocketPlayerDisconnected
	SocketClose
	SocketChat
	SocketLeaderChange
	SocketScoreChange
	SocketTimeUpdate
	SocketGameStart
	SocketAddPoints
	SocketAudioChat
	SocketPong
)

// SocketMessage is a notification about the session.
type SocketMessage struct {
	Kind   SocketKind
	Lobby  LobbyInfo
	Player Player
	Reason CloseCode
	Name   string
	Text   string
	State  engine.State
	PeerID uint32
	Points []engine.Point
	Audio  AudioChunk
}

// Frame holds exactly one decoded envelope.
type Frame struct {
	Player *PlayerMessage
	Socket *SocketMessage
}

func isPlayerKind(n protowire.Number) bool {
	return n >= protowire.Number(PlayerInitialize) && n <= protowire.Number(PlayerChangeTurn)
}

func isSocketKind(n protowire.Number) bool {
	return n >= protowire.Number(SocketLobbyJoined) && n <= protowire.Number(SocketPong)
}

func (m PlayerMessage) Marshal() ([]byte, error) {
	if !isPlayerKind(protowire.Number(m.Kind)) {
		return nil, fmt.Errorf("%w: player kind %d", ErrMalformedEnvelope, m.Kind)
	}
	var body []byte
	switch m.Kind {
	case PlayerInitialize:
		body = appendVarint(body, 1, uint64(m.ClientID))
		body = appendString(body, 2, m.Name)
	case PlayerJoinLobby:
		body = appendString(body, 1, m.RoomID)
	case PlayerChat:
		body = appendString(body, 1, m.Text)
		body = appendString(body, 2, m.MessageID)
	case PlayerWordChosen:
		body = appendString(body, 1, m.Word)
	case PlayerAddPoints:
		body = appendPoints(body, 1, m.Points)
	case PlayerAudioChat:
		body = appendMessage(body, 1, appendAudio(nil, m.Audio))
	case PlayerChangeTurn:
		body = appendVarint(body, 1, uint64(m.Leader))
	}
	return appendMessage(nil, protowire.Number(m.Kind), body), nil
}

func (m SocketMessage) Marshal() ([]byte, error) {
	if !isSocketKind(protowire.Number(m.Kind)) {
		return nil, fmt.Errorf("%w: socket kind %d", ErrMalformedEnvelope, m.Kind)
	}
	var body []byte
	switch m.Kind {
	case SocketLobbyJoined:
		body = appendString(body, 1, m.Lobby.RoomID)
		for _, p := range m.Lobby.Players {
			body = appendMessage(body, 2, appendPlayer(nil, p))
		}
		body = appendMessage(body, 3, appendState(nil, m.Lobby.State))
	case SocketPlayerJoined, SocketPlayerDisconnected:
		body = appendPlayer(body, m.Player)
	case SocketClose:
		body = appendVarint(body, 1, uint64(m.Reason))
	case SocketChat:
		body = appendString(body, 1, m.Name)
		body = appendString(body, 2, m.Text)
	case SocketLeaderChange, SocketScoreChange, SocketTimeUpdate, SocketGameStart:
		body = appendState(body, m.State)
	case SocketAddPoints:
		body = appendPoints(body, 1, m.Points)
	case SocketAudioChat:
		body = appendVarint(body, 1, uint64(m.PeerID))
		body = appendMessage(body, 2, appendAudio(nil, m.Audio))
	}
	return appendMessage(nil, protowire.Number(m.Kind), body), nil
}

// DecodeFrame parses one self-describing envelope. The top-level field
// number selects the variant; trailing bytes are rejected.
func DecodeFrame(b []byte) (Frame, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return Frame{}, fmt.Errorf("%w: variant %d: %w", ErrMalformedEnvelope, num, errWireType)
	}
	body, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(m))
	}
	if n+m != len(b) {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, len(b)-n-m)
	}

	switch {
	case isPlayerKind(num):
		msg, err := decodePlayer(PlayerKind(num), body)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		return Frame{Player: &msg}, nil
	case isSocketKind(num):
		msg, err := decodeSocket(SocketKind(num), body)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		return Frame{Socket: &msg}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown variant %d", ErrMalformedEnvelope, num)
	}
}

func decodePlayer(kind PlayerKind, body []byte) (PlayerMessage, error) {
	m := PlayerMessage{Kind: kind}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case kind == PlayerInitialize && num == 1:
			return readUint32(typ, b, &m.ClientID)
		case kind == PlayerInitialize && num == 2:
			return readString(typ, b, &m.Name)
		case kind == PlayerJoinLobby && num == 1:
			return readString(typ, b, &m.RoomID)
		case kind == PlayerChat && num == 1:
			return readString(typ, b, &m.Text)
		case kind == PlayerChat && num == 2:
			return readString(typ, b, &m.MessageID)
		case kind == PlayerWordChosen && num == 1:
			return readString(typ, b, &m.Word)
		case kind == PlayerAddPoints && num == 1:
			return readPoint(typ, b, &m.Points)
		case kind == PlayerAudioChat && num == 1:
			return readAudio(typ, b, &m.Audio)
		case kind == PlayerChangeTurn && num == 1:
			return readUint32(typ, b, &m.Leader)
		}
		return 0, nil
	})
	return m, err
}

func decodeSocket(kind SocketKind, body []byte) (SocketMessage, error) {
	m := SocketMessage{Kind: kind}
	var fn fieldFunc
	switch kind {
	case SocketLobbyJoined:
		m.Lobby.State = engine.NewState(0)
		fn = func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readString(typ, b, &m.Lobby.RoomID)
			case 2:
				var p Player
				n, err := readMessage(typ, b, playerFields(&p))
				if err == nil {
					m.Lobby.Players = append(m.Lobby.Players, p)
				}
				return n, err
			case 3:
				return readMessage(typ, b, stateFields(&m.Lobby.State))
			}
			return 0, nil
		}
	case SocketPlayerJoined, SocketPlayerDisconnected:
		fn = playerFields(&m.Player)
	case SocketClose:
		fn = func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			var v uint32
			n, err := readUint32(typ, b, &v)
			m.Reason = CloseCode(v)
			return n, err
		}
	case SocketChat:
		fn = func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readString(typ, b, &m.Name)
			case 2:
				return readString(typ, b, &m.Text)
			}
			return 0, nil
		}
	case SocketLeaderChange, SocketScoreChange, SocketTimeUpdate, SocketGameStart:
		m.State = engine.NewState(0)
		fn = stateFields(&m.State)
	case SocketAddPoints:
		fn = func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			return readPoint(typ, b, &m.Points)
		}
	case SocketAudioChat:
		fn = func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return readUint32(typ, b, &m.PeerID)
			case 2:
				return readAudio(typ, b, &m.Audio)
			}
			return 0, nil
		}
	default:
		fn = func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil }
	}
	err := walk(body, fn)
	return m, err
}

func appendPlayer(b []byte, p Player) []byte {
	b = appendVarint(b, 1, uint64(p.ID))
	return appendString(b, 2, p.Name)
}

func playerFields(p *Player) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readUint32(typ, b, &p.ID)
		case 2:
			return readString(typ, b, &p.Name)
		}
		return 0, nil
	}
}

func appendAudio(b []byte, a AudioChunk) []byte {
	b = appendBytes(b, 1, a.Data)
	return appendString(b, 2, a.MimeType)
}

func readAudio(typ protowire.Type, b []byte, a *AudioChunk) (int, error) {
	return readMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readBytes(typ, b, &a.Data)
		case 2:
			return readString(typ, b, &a.MimeType)
		}
		return 0, nil
	})
}

func appendPoints(b []byte, num protowire.Number, pts []engine.Point) []byte {
	for _, p := range pts {
		var body []byte
		body = appendVarint(body, 1, uint64(p.SequenceID))
		body = appendFloat(body, 2, p.X)
		body = appendFloat(body, 3, p.Y)
		body = appendFloat(body, 4, p.SourceWidth)
		body = appendFloat(body, 5, p.SourceHeight)
		body = appendBool(body, 6, p.Draw)
		body = appendString(body, 7, p.Color)
		body = appendVarint(body, 8, uint64(p.LineWidth))
		body = appendBool(body, 9, p.Eraser)
		b = appendMessage(b, num, body)
	}
	return b
}

func readPoint(typ protowire.Type, b []byte, dst *[]engine.Point) (int, error) {
	var p engine.Point
	n, err := readMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readUint32(typ, b, &p.SequenceID)
		case 2:
			return readFloat(typ, b, &p.X)
		case 3:
			return readFloat(typ, b, &p.Y)
		case 4:
			return readFloat(typ, b, &p.SourceWidth)
		case 5:
			return readFloat(typ, b, &p.SourceHeight)
		case 6:
			return readBool(typ, b, &p.Draw)
		case 7:
			return readString(typ, b, &p.Color)
		case 8:
			return readUint32(typ, b, &p.LineWidth)
		case 9:
			return readBool(typ, b, &p.Eraser)
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}
	*dst = append(*dst, p)
	return n, nil
}

func appendState(b []byte, s engine.State) []byte {
	if s.Phase == engine.PhaseGame {
		b = appendVarint(b, 1, 1)
	}
	b = appendVarint(b, 2, uint64(s.Leader))
	for _, id := range slices.Sorted(maps.Keys(s.Scores)) {
		var score []byte
		score = appendVarint(score, 1, uint64(id))
		score = appendVarint(score, 2, protowire.EncodeZigZag(int64(s.Scores[id])))
		b = appendMessage(b, 3, score)
	}

	var game []byte
	game = appendPoints(game, 1, s.Game.Drawing)
	for _, id := range slices.Sorted(maps.Keys(s.Game.Guessed)) {
		if s.Game.Guessed[id] {
			game = protowire.AppendTag(game, 2, protowire.VarintType)
			game = protowire.AppendVarint(game, uint64(id))
		}
	}
	game = appendVarint(game, 3, uint64(s.Game.Time))
	var word []byte
	for _, c := range s.Game.Word.Candidates {
		word = protowire.AppendTag(word, 1, protowire.BytesType)
		word = protowire.AppendString(word, c)
	}
	word = appendString(word, 2, s.Game.Word.Word)
	word = appendBool(word, 3, s.Game.Word.Chosen)
	game = appendMessage(game, 4, word)
	return appendMessage(b, 4, game)
}

// stateFields expects s to come from engine.NewState so its maps are set.
func stateFields(s *engine.State) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := readVarint(typ, b)
			if v != 0 {
				s.Phase = engine.PhaseGame
			}
			return n, err
		case 2:
			return readUint32(typ, b, &s.Leader)
		case 3:
			var id uint32
			var points int64
			n, err := readMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return readUint32(typ, b, &id)
				case 2:
					v, n, err := readVarint(typ, b)
					points = protowire.DecodeZigZag(v)
					return n, err
				}
				return 0, nil
			})
			if err == nil {
				s.Scores[id] = int(points)
			}
			return n, err
		case 4:
			return readMessage(typ, b, gameFields(&s.Game))
		}
		return 0, nil
	}
}

func gameFields(g *engine.GameData) fieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readPoint(typ, b, &g.Drawing)
		case 2:
			var id uint32
			n, err := readUint32(typ, b, &id)
			if err == nil {
				g.Guessed[id] = true
			}
			return n, err
		case 3:
			return readUint32(typ, b, &g.Time)
		case 4:
			return readMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					var c string
					n, err := readString(typ, b, &c)
					if err == nil {
						g.Word.Candidates = append(g.Word.Candidates, c)
					}
					return n, err
				case 2:
					return readString(typ, b, &g.Word.Word)
				case 3:
					return readBool(typ, b, &g.Word.Chosen)
				}
				return 0, nil
			})
		}
		return 0, nil
	}
}
