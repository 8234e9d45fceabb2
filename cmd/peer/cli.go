package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/DoyleJ11/meshdraw/internal/engine"
	"github.com/DoyleJ11/meshdraw/internal/types"
)

var errEmptyLine = errors.New("empty line")
var errUsage = errors.New("usage")

const defaultWordChoices = 3

// parseLine turns one line of stdin into an intent. Lines that do not start
// with a slash are chat.
func parseLine(line string) (types.Intent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Intent{}, errEmptyLine
	}
	if !strings.HasPrefix(line, "/") {
		return types.Intent{Type: types.IntentChat, Text: line}, nil
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/seal":
		return types.Intent{Type: types.IntentSeal}, nil

	case "/turn":
		// No id passes the turn to the next ready peer.
		if len(args) == 0 {
			return types.Intent{Type: types.IntentTurn}, nil
		}
		if len(args) != 1 {
			return types.Intent{}, fmt.Errorf("%w: /turn [id]", errUsage)
		}
		id, err := parseID(args[0])
		if err != nil {
			return types.Intent{}, err
		}
		return types.Intent{Type: types.IntentTurn, PeerID: id}, nil

	case "/word":
		if len(args) == 0 {
			return types.Intent{}, fmt.Errorf("%w: /word <word>", errUsage)
		}
		return types.Intent{Type: types.IntentWord, Text: strings.Join(args, " ")}, nil

	case "/words":
		n := defaultWordChoices
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return types.Intent{}, fmt.Errorf("%w: /words [count]", errUsage)
			}
			n = v
		}
		return types.Intent{Type: types.IntentWords, Amount: n}, nil

	case "/draw":
		if len(args) < 4 || len(args) > 5 {
			return types.Intent{}, fmt.Errorf("%w: /draw x y width height [down]", errUsage)
		}
		var nums [4]float64
		for i := range nums {
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return types.Intent{}, fmt.Errorf("%w: /draw: %q is not a number", errUsage, args[i])
			}
			nums[i] = v
		}
		p := engine.Point{X: nums[0], Y: nums[1], SourceWidth: nums[2], SourceHeight: nums[3]}
		if len(args) == 5 {
			if args[4] != "down" {
				return types.Intent{}, fmt.Errorf("%w: /draw x y width height [down]", errUsage)
			}
			p.Draw = true
		}
		return types.Intent{Type: types.IntentDraw, Point: p}, nil

	case "/score":
		if len(args) != 2 {
			return types.Intent{}, fmt.Errorf("%w: /score <id> <points>", errUsage)
		}
		id, err := parseID(args[0])
		if err != nil {
			return types.Intent{}, err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return types.Intent{}, fmt.Errorf("%w: /score: %q is not a number", errUsage, args[1])
		}
		return types.Intent{Type: types.IntentScore, PeerID: id, Amount: n}, nil

	case "/time":
		if len(args) != 1 {
			return types.Intent{}, fmt.Errorf("%w: /time <seconds>", errUsage)
		}
		// The game clock is a uint32 on the wire.
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return types.Intent{}, fmt.Errorf("%w: /time <seconds>", errUsage)
		}
		return types.Intent{Type: types.IntentTime, Amount: int(n)}, nil

	case "/who":
		return types.Intent{Type: types.IntentWho}, nil

	case "/leave", "/quit":
		return types.Intent{Type: types.IntentLeave}, nil

	default:
		return types.Intent{Type: types.IntentUnknown, Text: fields[0]}, nil
	}
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a peer id", errUsage, s)
	}
	return uint32(id), nil
}

// formatNote renders a notification for the terminal. Chatty internal
// notifications render as "".
func formatNote(n types.Notification) string {
	switch n.Type {
	case types.NoteConnected:
		return fmt.Sprintf("joined room %s", n.Text)
	case types.NoteDisconnected:
		if n.Error != "" {
			return "relay disconnected: " + n.Error
		}
		return "relay disconnected"
	case types.NoteErrorConnecting:
		return "cannot reach relay: " + n.Error
	case types.NoteSealed:
		return "game started"
	case types.NoteTurnChanged:
		return fmt.Sprintf("%s is drawing", displayName(n.Lobby, n.Leader))
	case types.NoteWordChanged:
		return "word: " + n.Word
	case types.NoteGuessed:
		return fmt.Sprintf("%s guessed the word!", displayName(n.Lobby, n.PeerID))
	case types.NoteChat:
		return fmt.Sprintf("<%s> %s", displayName(n.Lobby, n.PeerID), n.Text)
	case types.NotePeerLeft:
		if n.Reason != "" {
			return fmt.Sprintf("%s left (%s)", displayName(n.Lobby, n.PeerID), n.Reason)
		}
		return fmt.Sprintf("%s left", displayName(n.Lobby, n.PeerID))
	case types.NoteAudio:
		if n.Audio == nil {
			return ""
		}
		return fmt.Sprintf("audio from %s (%d bytes, %s)", displayName(n.Lobby, n.PeerID), len(n.Audio.Data), n.Audio.MimeType)
	case types.NoteStateReplaced:
		return fmt.Sprintf("state updated, %s leads", displayName(n.Lobby, n.Leader))
	default:
		return ""
	}
}

func displayName(l *engine.Lobby, id uint32) string {
	if l != nil {
		if p, ok := l.Peers[id]; ok && p.Name != "" {
			return p.Name
		}
	}
	return "#" + strconv.FormatUint(uint64(id), 10)
}

// formatRoster renders the /who listing.
func formatRoster(l engine.Lobby) string {
	var b strings.Builder
	fmt.Fprintf(&b, "room %s (%s)\n", l.RoomID, l.State.Phase)
	ids := make([]uint32, 0, len(l.Peers))
	for id := range l.Peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p := l.Peers[id]
		var tags []string
		if p.IsSelf {
			tags = append(tags, "you")
		}
		if id == l.State.Leader {
			tags = append(tags, "drawing")
		}
		if !p.IsReady {
			tags = append(tags, "connecting")
		}
		if p.Guessed {
			tags = append(tags, "guessed")
		}
		name := p.Name
		if name == "" {
			name = "?"
		}
		fmt.Fprintf(&b, "  %d %s score=%d", id, name, l.State.Scores[id])
		if len(tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(tags, ", "))
		}
		b.WriteByte('\n')
	}
	if c := l.State.Game.Word.Candidates; len(c) > 0 {
		fmt.Fprintf(&b, "  choices: %s\n", strings.Join(c, ", "))
	}
	if w := l.VisibleWord(l.SelfID); w != "" {
		fmt.Fprintf(&b, "  word: %s\n", w)
	}
	return b.String()
}
