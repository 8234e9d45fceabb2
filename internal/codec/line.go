package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedFrame = errors.New("malformed line frame")
var ErrBadPeerID = errors.New("peer id is not numeric")

// Relay command codes.
const (
	CmdSelfID    = "I"
	CmdJoin      = "J"
	CmdAnnounce  = "N"
	CmdOffer     = "O"
	CmdAnswer    = "A"
	CmdCandidate = "C"
	CmdSeal      = "S"
	CmdTurn      = "T"
	CmdWord      = "W"
)

const separator = ": "

// TransferData is one relay line "<cmd>: <id>\n<payload>". An empty ID or
// Data means the field was absent.
type TransferData struct {
	Command string
	ID      string
	Data    string
}

func NewFrame(cmd, id, data string) TransferData {
	return TransferData{Command: cmd, ID: id, Data: data}
}

func (t TransferData) String() string {
	return t.Command + separator + t.ID + "\n" + t.Data
}

// Encode renders t with absent fields as empty strings, never omitted.
func Encode(t TransferData) string {
	return t.String()
}

// Decode parses a relay line. A frame either parses in full or not at all.
func Decode(raw string) (TransferData, error) {
	head, data, _ := strings.Cut(raw, "\n")
	cmd, id, ok := strings.Cut(head, separator)
	if !ok || cmd == "" || len(cmd) > 2 {
		return TransferData{}, fmt.Errorf("%w: %q", ErrMalformedFrame, head)
	}
	return TransferData{Command: cmd, ID: id, Data: data}, nil
}

// PeerID parses the id field as a peer id.
func (t TransferData) PeerID() (uint32, error) {
	return ParsePeerID(t.ID)
}

func ParsePeerID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPeerID, s)
	}
	return uint32(n), nil
}

func FormatPeerID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
