package hub

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/codec"
)

type HubMsg interface{ isHubMsg() }

// Register adds a connection. The hub writes relay lines to Outbox and
// closes it when the connection is dropped.
type Register struct {
	Outbox chan string
	Reply  chan uint32
}

type Unregister struct {
	ClientID uint32
}

type Inbound struct {
	From uint32
	Line string
}

// ReserveRoom creates an empty room with a fresh code.
type ReserveRoom struct {
	Reply chan string
}

// GetRoom replies with the sorted member ids, or nil when the room is unknown.
type GetRoom struct {
	Code  string
	Reply chan []uint32
}

type ShutdownHub struct{}

func (Register) isHubMsg()    {}
func (Unregister) isHubMsg()  {}
func (Inbound) isHubMsg()     {}
func (ReserveRoom) isHubMsg() {}
func (GetRoom) isHubMsg()     {}
func (ShutdownHub) isHubMsg() {}

type member struct {
	id     uint32
	outbox chan string
	room   string
}

// Hub is the relay: it assigns ids, tracks room membership and forwards
// lines. It never looks at payloads.
type Hub struct {
	inbox   chan HubMsg
	log     *zap.Logger
	nextID  uint32
	members map[uint32]*member
	rooms   map[string]map[uint32]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		log:     log.Named("hub"),
		members: make(map[uint32]*member),
		rooms:   make(map[string]map[uint32]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				h.nextID++
				mb := &member{id: h.nextID, outbox: msg.Outbox}
				h.members[mb.id] = mb
				msg.Reply <- mb.id
				h.deliver(mb, codec.NewFrame(codec.CmdSelfID, codec.FormatPeerID(mb.id), ""))

			case Unregister:
				if mb := h.members[msg.ClientID]; mb != nil {
					h.remove(mb)
				}

			case Inbound:
				mb := h.members[msg.From]
				if mb == nil {
					break
				}
				h.route(mb, msg.Line)

			case ReserveRoom:
				code, err := h.newCode()
				if err != nil {
					h.log.Error("generate room code", zap.Error(err))
					msg.Reply <- ""
					break
				}
				h.rooms[code] = map[uint32]struct{}{}
				msg.Reply <- code

			case GetRoom:
				room, ok := h.rooms[msg.Code]
				if !ok {
					msg.Reply <- nil
					break
				}
				ids := slices.AppendSeq(make([]uint32, 0, len(room)), maps.Keys(room))
				slices.Sort(ids)
				msg.Reply <- ids

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) route(mb *member, line string) {
	frame, err := codec.Decode(line)
	if err != nil {
		h.log.Warn("dropping malformed frame", zap.Uint32("client", mb.id), zap.Error(err))
		return
	}

	switch frame.Command {
	case codec.CmdJoin:
		h.join(mb, frame.ID)

	case codec.CmdOffer, codec.CmdAnswer, codec.CmdCandidate:
		target, err := frame.PeerID()
		if err != nil {
			h.log.Warn("dropping signal", zap.Uint32("client", mb.id), zap.Error(err))
			return
		}
		to := h.members[target]
		if to == nil || mb.room == "" || to.room != mb.room {
			h.log.Debug("signal target not in room", zap.Uint32("client", mb.id), zap.Uint32("target", target))
			return
		}
		frame.ID = codec.FormatPeerID(mb.id)
		h.deliver(to, frame)

	default:
		if mb.room == "" {
			return
		}
		for _, id := range h.roomMembers(mb.room) {
			if id == mb.id {
				continue
			}
			if to := h.members[id]; to != nil {
				h.deliver(to, frame)
			}
		}
	}
}

// join moves mb into code (a fresh room when code is empty), replies with the
// code and announces the newcomer and the existing members to each other.
func (h *Hub) join(mb *member, code string) {
	if code == "" {
		c, err := h.newCode()
		if err != nil {
			h.log.Error("generate room code", zap.Error(err))
			return
		}
		code = c
	}
	if mb.room != "" {
		h.leave(mb)
	}
	room, ok := h.rooms[code]
	if !ok {
		room = map[uint32]struct{}{}
		h.rooms[code] = room
	}
	existing := h.roomMembers(code)
	room[mb.id] = struct{}{}
	mb.room = code

	h.log.Info("joined room", zap.Uint32("client", mb.id), zap.String("room", code), zap.Int("members", len(room)))
	h.deliver(mb, codec.NewFrame(codec.CmdJoin, code, ""))
	for _, id := range existing {
		other := h.members[id]
		if other == nil {
			continue
		}
		h.deliver(other, codec.NewFrame(codec.CmdAnnounce, codec.FormatPeerID(mb.id), ""))
		h.deliver(mb, codec.NewFrame(codec.CmdAnnounce, codec.FormatPeerID(id), ""))
	}
}

func (h *Hub) roomMembers(code string) []uint32 {
	return slices.Sorted(maps.Keys(h.rooms[code]))
}

func (h *Hub) leave(mb *member) {
	room := h.rooms[mb.room]
	delete(room, mb.id)
	if len(room) == 0 {
		delete(h.rooms, mb.room)
	}
	mb.room = ""
}

func (h *Hub) remove(mb *member) {
	if mb.room != "" {
		h.leave(mb)
	}
	delete(h.members, mb.id)
	close(mb.outbox)
}

func (h *Hub) deliver(mb *member, frame codec.TransferData) {
	if h.members[mb.id] != mb {
		return
	}
	select {
	case mb.outbox <- codec.Encode(frame):
		// ok
	default:
		// Slow connection: drop it.
		h.log.Warn("dropping slow client", zap.Uint32("client", mb.id))
		h.remove(mb)
	}
}

func (h *Hub) newCode() (string, error) {
	for {
		c, err := GenerateCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.rooms[c]; !taken {
			return c, nil
		}
		h.log.Debug("collision on code, regenerating")
	}
}

func (h *Hub) shutdown() {
	for _, mb := range h.members {
		h.remove(mb)
	}
	clear(h.rooms)
}
