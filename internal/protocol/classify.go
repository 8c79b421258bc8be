package protocol

// ClientRole is the kind of client on the other end of a connection,
// derived from the first message it sends.
type ClientRole int

const (
	ClientUnknown ClientRole = iota
	ClientPlayer
	ClientGameMaster
)

var clientRoleStrings = map[ClientRole]string{
	ClientUnknown:    "unknown",
	ClientPlayer:     "player",
	ClientGameMaster: "game_master",
}

// String returns the string representation of ClientRole.
func (r ClientRole) String() string {
	if s, ok := clientRoleStrings[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes ClientRole as a JSON string (e.g. "player").
func (r ClientRole) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// ClassifyFirstMessage decides the role of a new connection from its first
// message. Only RegisterGame identifies a game master; only GetGames and
// JoinGame identify a player.
func ClassifyFirstMessage(m Message) ClientRole {
	switch m.(type) {
	case *RegisterGame:
		return ClientGameMaster
	case *GetGames, *JoinGame:
		return ClientPlayer
	default:
		return ClientUnknown
	}
}
