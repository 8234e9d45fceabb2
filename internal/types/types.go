package types

import (
	"github.com/DoyleJ11/meshdraw/internal/codec"
	"github.com/DoyleJ11/meshdraw/internal/engine"
)

type NotificationType string

const (
	NoteConnected       NotificationType = "Connected"
	NoteDisconnected    NotificationType = "Disconnected"
	NoteErrorConnecting NotificationType = "ErrorConnecting"
	NoteLobbyRefreshed  NotificationType = "LobbyRefreshed"
	NoteSealed          NotificationType = "Sealed"
	NoteTurnChanged     NotificationType = "TurnChanged"
	NoteWordChanged     NotificationType = "WordChanged"
	NoteGuessed         NotificationType = "Guessed"
	NoteChat            NotificationType = "Chat"
	NoteStateReplaced   NotificationType = "StateReplaced"
	NotePointsAdded     NotificationType = "PointsAdded"
	NoteAudio           NotificationType = "Audio"
	NotePeerLeft        NotificationType = "PeerLeft"
)

// Notification is what local subscribers (UI, CLI, tests) receive after a
// transition. Lobby is a deep clone taken right after the transition.
type Notification struct {
	Type    NotificationType  `json:"type"`
	Version int               `json:"version"`
	PeerID  uint32            `json:"peer_id,omitempty"`
	Name    string            `json:"name,omitempty"`
	Text    string            `json:"text,omitempty"`
	Word    string            `json:"word,omitempty"`
	Leader  uint32            `json:"leader,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Points  []engine.Point    `json:"points,omitempty"`
	Audio   *codec.AudioChunk `json:"audio,omitempty"`
	Lobby   *engine.Lobby     `json:"lobby,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type IntentType string

const (
	IntentSeal    IntentType = "Seal"
	IntentTurn    IntentType = "Turn"
	IntentWord    IntentType = "Word"
	IntentWords   IntentType = "Words"
	IntentDraw    IntentType = "Draw"
	IntentScore   IntentType = "Score"
	IntentTime    IntentType = "Time"
	IntentChat    IntentType = "Chat"
	IntentWho     IntentType = "Who"
	IntentLeave   IntentType = "Leave"
	IntentUnknown IntentType = "Unknown"
)

// Intent is one local user action parsed from an input surface.
type Intent struct {
	Type   IntentType   `json:"type"`
	PeerID uint32       `json:"peer_id,omitempty"`
	Text   string       `json:"text,omitempty"`
	Amount int          `json:"amount,omitempty"`
	Point  engine.Point `json:"point,omitempty"`
}
