package engine

import (
	"maps"
	"slices"
)

// NewLobby seeds a lobby with the local peer inserted as ready.
func NewLobby(selfID uint32, roomID, selfName string) *Lobby {
	return &Lobby{
		SelfID: selfID,
		RoomID: roomID,
		Peers: map[uint32]Peer{
			selfID: {ID: selfID, Name: selfName, IsSelf: true, IsReady: true},
		},
		State: NewState(selfID),
		seen:  map[string]struct{}{},
	}
}

func NewState(leader uint32) State {
	return State{
		Phase:  PhaseLobby,
		Leader: leader,
		Scores: map[uint32]int{},
		Game:   GameData{Guessed: map[uint32]bool{}},
	}
}

func (s State) Clone() State {
	out := s
	out.Scores = maps.Clone(s.Scores)
	if out.Scores == nil {
		out.Scores = map[uint32]int{}
	}
	out.Game.Drawing = slices.Clone(s.Game.Drawing)
	out.Game.Guessed = maps.Clone(s.Game.Guessed)
	if out.Game.Guessed == nil {
		out.Game.Guessed = map[uint32]bool{}
	}
	out.Game.Word.Candidates = slices.Clone(s.Game.Word.Candidates)
	return out
}

// Clone returns a deep copy safe to hand to other goroutines.
func (l *Lobby) Clone() Lobby {
	return Lobby{
		SelfID:   l.SelfID,
		RoomID:   l.RoomID,
		Peers:    maps.Clone(l.Peers),
		State:    l.State.Clone(),
		Sealed:   l.Sealed,
		seen:     maps.Clone(l.seen),
		seenList: slices.Clone(l.seenList),
	}
}

// RemoteIDs lists every roster member except self, ascending.
func (l *Lobby) RemoteIDs() []uint32 {
	ids := make([]uint32, 0, len(l.Peers))
	for id := range l.Peers {
		if id != l.SelfID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (l *Lobby) Self() Peer {
	return l.Peers[l.SelfID]
}

func (l *Lobby) IsLeader() bool {
	return l.State.Leader == l.SelfID
}

// VisibleWord is the chosen word for the leader and its mask for everyone else.
func (l *Lobby) VisibleWord(viewer uint32) string {
	w := l.State.Game.Word
	if !w.Chosen {
		return ""
	}
	if viewer == l.State.Leader {
		return w.Word
	}
	return MaskWord(w.Word)
}
