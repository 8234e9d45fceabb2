package engine

import "slices"

// TurnOrder is the ready roster in ascending id order. Every peer derives the
// same order from the same roster, so no election is needed.
func TurnOrder(l *Lobby) []uint32 {
	ids := make([]uint32, 0, len(l.Peers))
	for id, p := range l.Peers {
		if p.IsReady {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// NextLeader returns the id after the current leader, wrapping around.
// It returns 0 when nobody is ready.
func NextLeader(l *Lobby) uint32 {
	order := TurnOrder(l)
	if len(order) == 0 {
		return 0
	}
	for _, id := range order {
		if id > l.State.Leader {
			return id
		}
	}
	return order[0]
}
