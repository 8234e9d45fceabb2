package codec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DoyleJ11/meshdraw/internal/engine"
)

func sampleState() engine.State {
	s := engine.NewState(2)
	s.Phase = engine.PhaseGame
	s.Scores = map[uint32]int{1: 30, 2: -5}
	s.Game.Time = 61
	s.Game.Guessed = map[uint32]bool{1: true}
	s.Game.Word = engine.WordState{Candidates: []string{"kite", ""}, Word: "kite", Chosen: true}
	s.Game.Drawing = []engine.Point{
		{SequenceID: 0, X: 1.5, Y: 2.25, SourceWidth: 800, SourceHeight: 600, Color: "#ff0000", LineWidth: 4},
		{SequenceID: 1, X: 3, Y: 4, SourceWidth: 800, SourceHeight: 600, Draw: true, Eraser: true},
	}
	return s
}

func TestPlayerMessageRoundTrip(t *testing.T) {
	cases := []PlayerMessage{
		{Kind: PlayerInitialize, ClientID: 7, Name: "bob"},
		{Kind: PlayerJoinLobby, RoomID: "ABC123"},
		{Kind: PlayerCreateLobby},
		{Kind: PlayerPing},
		{Kind: PlayerChat, Text: "is it a cat?", MessageID: "0b5c"},
		{Kind: PlayerWordChosen, Word: "whale"},
		{Kind: PlayerStartGame},
		{Kind: PlayerAddPoints, Points: sampleState().Game.Drawing},
		{Kind: PlayerAudioChat, Audio: AudioChunk{Data: []byte{0, 1, 2, 255}, MimeType: "audio/webm"}},
		{Kind: PlayerChangeTurn, Leader: 3},
	}

	for _, msg := range cases {
		b, err := msg.Marshal()
		require.NoError(t, err)

		frame, err := DecodeFrame(b)
		require.NoError(t, err)
		require.Nil(t, frame.Socket)
		require.NotNil(t, frame.Player)
		if diff := cmp.Diff(msg, *frame.Player); diff != "" {
			t.Errorf("kind %d mismatch (-want +got):\n%s", msg.Kind, diff)
		}
	}
}

func TestSocketMessageRoundTrip(t *testing.T) {
	state := sampleState()
	cases := []SocketMessage{
		{Kind: SocketLobbyJoined, Lobby: LobbyInfo{
			RoomID:  "ROOM",
			Players: []Player{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}},
			State:   state,
		}},
		{Kind: SocketPlayerJoined, Player: Player{ID: 3, Name: "carol"}},
		{Kind: SocketPlayerDisconnected, Player: Player{ID: 3}},
		{Kind: SocketClose, Reason: CloseLeaving},
		{Kind: SocketChat, Name: "alice", Text: "hi"},
		{Kind: SocketLeaderChange, State: state},
		{Kind: SocketScoreChange, State: state},
		{Kind: SocketTimeUpdate, State: state},
		{Kind: SocketGameStart, State: state},
		{Kind: SocketAddPoints, Points: state.Game.Drawing},
		{Kind: SocketAudioChat, PeerID: 9, Audio: AudioChunk{Data: []byte("opus"), MimeType: "audio/ogg"}},
		{Kind: SocketPong},
	}

	for _, msg := range cases {
		b, err := msg.Marshal()
		require.NoError(t, err)

		frame, err := DecodeFrame(b)
		require.NoError(t, err)
		require.Nil(t, frame.Player)
		require.NotNil(t, frame.Socket)

		if diff := cmp.Diff(msg, *frame.Socket); diff != "" {
			t.Errorf("kind %d mismatch (-want +got):\n%s", msg.Kind, diff)
		}
	}
}

func TestStateRoundTripKeepsLobbyPhase(t *testing.T) {
	s := engine.NewState(4)
	b, err := SocketMessage{Kind: SocketLeaderChange, State: s}.Marshal()
	require.NoError(t, err)

	frame, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, s, frame.Socket.State)
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	valid, err := PlayerMessage{Kind: PlayerChat, Text: "hello"}.Marshal()
	require.NoError(t, err)

	unknown := protowire.AppendTag(nil, 20, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, nil)

	varintTop := protowire.AppendTag(nil, 5, protowire.VarintType)
	varintTop = protowire.AppendVarint(varintTop, 1)

	chatAsVarint := protowire.AppendTag(nil, 1, protowire.VarintType)
	chatAsVarint = protowire.AppendVarint(chatAsVarint, 5)
	badNested := protowire.AppendTag(nil, protowire.Number(PlayerChat), protowire.BytesType)
	badNested = protowire.AppendBytes(badNested, chatAsVarint)

	cases := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "garbage", raw: []byte{0xff, 0xff, 0xff}},
		{name: "truncated", raw: valid[:len(valid)-2]},
		{name: "trailing bytes", raw: append(append([]byte(nil), valid...), 0x00)},
		{name: "unknown variant", raw: unknown},
		{name: "variant not length delimited", raw: varintTop},
		{name: "nested field with wrong type", raw: badNested},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrame(tc.raw)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeSkipsUnknownNestedFields(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendString(body, "hello")
	body = protowire.AppendTag(body, 15, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 99)

	raw := protowire.AppendTag(nil, protowire.Number(PlayerChat), protowire.BytesType)
	raw = protowire.AppendBytes(raw, body)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, PlayerMessage{Kind: PlayerChat, Text: "hello"}, *frame.Player)
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	_, err := PlayerMessage{Kind: 99}.Marshal()
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = SocketMessage{Kind: 3}.Marshal()
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestCloseCodeString(t *testing.T) {
	assert.Equal(t, "leaving", CloseLeaving.String())
	assert.Equal(t, "close(77)", CloseCode(77).String())
}
