package engine

import (
	"errors"

	"golang.org/x/text/cases"
)

var ErrUnknownPeer = errors.New("unknown peer")
var ErrSelfPeer = errors.New("command targets the local peer")
var ErrSealed = errors.New("lobby is sealed")
var ErrDuplicateMessage = errors.New("duplicate chat message")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrNotLeader = errors.New("peer is not drawing this turn")

// maxSeenMessages bounds the chat id window kept for duplicate detection.
const maxSeenMessages = 1024

type Phase string

const (
	PhaseLobby Phase = "lobby"
	PhaseGame  Phase = "game"
)

type Peer struct {
	ID      uint32
	Name    string
	IsSelf  bool
	IsReady bool
	Guessed bool
}

// WordState is ChoseWords(Candidates) until the leader picks, then Word(Word).
type WordState struct {
	Candidates []string
	Word       string
	Chosen     bool
}

type GameData struct {
	Drawing []Point
	Guessed map[uint32]bool
	Time    uint32
	Word    WordState
}

type State struct {
	Phase  Phase
	Leader uint32
	Scores map[uint32]int
	Game   GameData
}

type Lobby struct {
	SelfID uint32
	RoomID string
	Peers  map[uint32]Peer
	State  State
	Sealed bool

	seen     map[string]struct{}
	seenList []string
}

type CommandType string

const (
	CmdAnnounce     CommandType = "Announce"
	CmdName         CommandType = "Name"
	CmdSeal         CommandType = "Seal"
	CmdChangeTurn   CommandType = "ChangeTurn"
	CmdChangeWord   CommandType = "ChangeWord"
	CmdOfferWords   CommandType = "OfferWords"
	CmdChat         CommandType = "Chat"
	CmdDisconnect   CommandType = "Disconnect"
	CmdReplaceState CommandType = "ReplaceState"
	CmdAddPoints    CommandType = "AddPoints"
)

/*
	CmdAnnounce     -> EvtRosterChanged
	CmdName         -> EvtRosterChanged
	CmdSeal         -> EvtSealed -> EvtRosterChanged
	CmdChangeTurn   -> EvtTurnChanged -> EvtRosterChanged
	CmdChangeWord   -> EvtWordChanged -> EvtRosterChanged
	CmdOfferWords   -> EvtRosterChanged
	CmdChat         -> EvtChat (-> EvtGuessed -> EvtRosterChanged when the word matches)
	CmdDisconnect   -> EvtRosterChanged
	CmdReplaceState -> EvtStateReplaced -> EvtRosterChanged
	CmdAddPoints    -> EvtPointsAdded
*/

type Command struct {
	Type      CommandType
	PeerID    uint32
	Name      string
	Leader    uint32
	Word      string
	Words     []string
	Text      string
	MessageID string
	Points    []Point
	State     State
}

type EventType string

const (
	EvtRosterChanged EventType = "RosterChanged"
	EvtSealed        EventType = "Sealed"
	EvtTurnChanged   EventType = "TurnChanged"
	EvtWordChanged   EventType = "WordChanged"
	EvtChat          EventType = "Chat"
	EvtGuessed       EventType = "Guessed"
	EvtStateReplaced EventType = "StateReplaced"
	EvtPointsAdded   EventType = "PointsAdded"
)

type Event struct {
	Type      EventType
	PeerID    uint32
	OldLeader uint32
	Leader    uint32
	Word      string
	Text      string
	// First is set on EvtSealed when this application flipped Sealed.
	First  bool
	Points []Point
}

// Apply runs one transition against l in place. Every transition is
// overwrite based so re-applying the same command leaves l unchanged.
func Apply(l *Lobby, cmd Command) ([]Event, error) {
	switch cmd.Type {
	case CmdAnnounce:
		if cmd.PeerID == l.SelfID {
			return nil, ErrSelfPeer
		}
		if l.Sealed {
			return nil, ErrSealed
		}
		p, ok := l.Peers[cmd.PeerID]
		if !ok {
			p = Peer{ID: cmd.PeerID}
		}
		// A fresh announcement restarts the connection attempt.
		p.IsReady = false
		l.Peers[cmd.PeerID] = p
		return []Event{{Type: EvtRosterChanged, PeerID: cmd.PeerID}}, nil

	case CmdName:
		if cmd.PeerID == l.SelfID {
			return nil, ErrSelfPeer
		}
		p, ok := l.Peers[cmd.PeerID]
		if !ok {
			return nil, ErrUnknownPeer
		}
		p.Name = cmd.Name
		p.IsReady = true
		l.Peers[cmd.PeerID] = p
		return []Event{{Type: EvtRosterChanged, PeerID: cmd.PeerID}}, nil

	case CmdSeal:
		first := !l.Sealed
		l.Sealed = true
		l.State.Phase = PhaseGame
		removeNonReady(l)
		return []Event{
			{Type: EvtSealed, First: first},
			{Type: EvtRosterChanged},
		}, nil

	case CmdChangeTurn:
		old := l.State.Leader
		l.State.Leader = cmd.Leader
		l.State.Game.Word = WordState{}
		l.State.Game.Drawing = nil
		clearGuesses(l)
		return []Event{
			{Type: EvtTurnChanged, OldLeader: old, Leader: cmd.Leader},
			{Type: EvtRosterChanged},
		}, nil

	case CmdChangeWord:
		l.State.Game.Word = WordState{Word: cmd.Word, Chosen: true}
		clearGuesses(l)
		return []Event{
			{Type: EvtWordChanged, Word: cmd.Word},
			{Type: EvtRosterChanged},
		}, nil

	case CmdOfferWords:
		l.State.Game.Word = WordState{Candidates: append([]string(nil), cmd.Words...)}
		return []Event{{Type: EvtRosterChanged}}, nil

	case CmdChat:
		if cmd.MessageID != "" {
			if _, dup := l.seen[cmd.MessageID]; dup {
				return nil, ErrDuplicateMessage
			}
		}
		p, ok := l.Peers[cmd.PeerID]
		if !ok {
			return nil, ErrUnknownPeer
		}
		if cmd.MessageID != "" {
			remember(l, cmd.MessageID)
		}
		events := []Event{{Type: EvtChat, PeerID: cmd.PeerID, Text: cmd.Text}}
		if p.Guessed || !isGuess(l.State.Game.Word, cmd.Text) {
			return events, nil
		}
		p.Guessed = true
		l.Peers[cmd.PeerID] = p
		if l.State.Game.Guessed == nil {
			l.State.Game.Guessed = map[uint32]bool{}
		}
		l.State.Game.Guessed[cmd.PeerID] = true
		return append(events,
			Event{Type: EvtGuessed, PeerID: cmd.PeerID},
			Event{Type: EvtRosterChanged},
		), nil

	case CmdDisconnect:
		if cmd.PeerID == l.SelfID {
			return nil, ErrSelfPeer
		}
		if _, ok := l.Peers[cmd.PeerID]; !ok {
			return nil, nil
		}
		delete(l.Peers, cmd.PeerID)
		delete(l.State.Game.Guessed, cmd.PeerID)
		return []Event{{Type: EvtRosterChanged, PeerID: cmd.PeerID}}, nil

	case CmdReplaceState:
		next := cmd.State.Clone()
		// Lobby -> Game is one way.
		if l.State.Phase == PhaseGame {
			next.Phase = PhaseGame
		}
		if next.Phase == "" {
			next.Phase = PhaseLobby
		}
		l.State = next
		for id, p := range l.Peers {
			p.Guessed = next.Game.Guessed[id]
			l.Peers[id] = p
		}
		return []Event{
			{Type: EvtStateReplaced, Leader: next.Leader},
			{Type: EvtRosterChanged},
		}, nil

	case CmdAddPoints:
		// Sequence ids count points within one leader's turn.
		if cmd.PeerID != l.State.Leader {
			return nil, ErrNotLeader
		}
		var added []Point
		for _, pt := range cmd.Points {
			if int(pt.SequenceID) < len(l.State.Game.Drawing) {
				continue
			}
			l.State.Game.Drawing = append(l.State.Game.Drawing, pt)
			added = append(added, pt)
		}
		if len(added) == 0 {
			return nil, nil
		}
		return []Event{{Type: EvtPointsAdded, PeerID: cmd.PeerID, Points: added}}, nil

	default:
		return nil, ErrUnsupportedCommand
	}
}

func remember(l *Lobby, id string) {
	if l.seen == nil {
		l.seen = map[string]struct{}{}
	}
	l.seen[id] = struct{}{}
	l.seenList = append(l.seenList, id)
	if len(l.seenList) > maxSeenMessages {
		delete(l.seen, l.seenList[0])
		l.seenList = l.seenList[1:]
	}
}

func removeNonReady(l *Lobby) {
	for id, p := range l.Peers {
		if !p.IsReady && !p.IsSelf {
			delete(l.Peers, id)
		}
	}
}

func clearGuesses(l *Lobby) {
	for id, p := range l.Peers {
		p.Guessed = false
		l.Peers[id] = p
	}
	l.State.Game.Guessed = map[uint32]bool{}
}

func isGuess(w WordState, text string) bool {
	if !w.Chosen || w.Word == "" {
		return false
	}
	fold := cases.Fold()
	return fold.String(text) == fold.String(w.Word)
}
