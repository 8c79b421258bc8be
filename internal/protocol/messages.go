// Package protocol implements the XML message catalog exchanged between
// players, game masters and the relay server, together with the codec and
// the separator-based framing used on the wire.
package protocol

import "time"

// Namespace is the XML namespace every root element is emitted in.
const Namespace = "https://se2.mini.pw.edu.pl/17-results/"

// Kind identifies a message by its root element name.
type Kind string

const (
	// Lobby
	KindGetGames                Kind = "GetGames"
	KindRegisteredGames         Kind = "RegisteredGames"
	KindRegisterGame            Kind = "RegisterGame"
	KindConfirmGameRegistration Kind = "ConfirmGameRegistration"
	KindRejectGameRegistration  Kind = "RejectGameRegistration"
	KindJoinGame                Kind = "JoinGame"
	KindConfirmJoiningGame      Kind = "ConfirmJoiningGame"
	KindRejectJoiningGame       Kind = "RejectJoiningGame"
	KindGameStarted             Kind = "GameStarted"
	KindGame                    Kind = "Game"

	// Player actions
	KindMove                       Kind = "Move"
	KindPickUpPiece                Kind = "PickUpPiece"
	KindPlacePiece                 Kind = "PlacePiece"
	KindTestPiece                  Kind = "TestPiece"
	KindDiscover                   Kind = "Discover"
	KindAuthorizeKnowledgeExchange Kind = "AuthorizeKnowledgeExchange"

	// Results and knowledge exchange
	KindData                     Kind = "Data"
	KindKnowledgeExchangeRequest Kind = "KnowledgeExchangeRequest"
	KindAcceptExchangeRequest    Kind = "AcceptExchangeRequest"
	KindRejectKnowledgeExchange  Kind = "RejectKnowledgeExchange"

	// Disconnect notifications
	KindGameMasterDisconnected Kind = "GameMasterDisconnected"
	KindPlayerDisconnected     Kind = "PlayerDisconnected"
)

// Message is implemented by every type in the catalog.
type Message interface {
	Kind() Kind
}

// Addressed messages carry the id of the player they must be delivered to.
type Addressed interface {
	Message
	Recipient() uint64
}

// Action messages are game actions a player submits to its game master.
type Action interface {
	Message
	Game() uint64
	GUID() string
}

// Team is a team tag.
type Team string

const (
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

// Opponent returns the other team.
func (t Team) Opponent() Team {
	if t == TeamBlue {
		return TeamRed
	}
	return TeamBlue
}

// Valid reports whether t is a known team.
func (t Team) Valid() bool {
	return t == TeamBlue || t == TeamRed
}

// PlayerRole is a player's role inside its team.
type PlayerRole string

const (
	RoleLeader PlayerRole = "leader"
	RoleMember PlayerRole = "member"
)

// Direction of a Move action. Up increases y.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Directions lists every direction in a stable order.
var Directions = []Direction{DirectionUp, DirectionRight, DirectionDown, DirectionLeft}

// Delta returns the coordinate offset of a single step in direction d.
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case DirectionUp:
		return 0, 1
	case DirectionDown:
		return 0, -1
	case DirectionLeft:
		return -1, 0
	case DirectionRight:
		return 1, 0
	}
	return 0, 0
}

// PieceType is the true or believed type of a piece.
type PieceType string

const (
	PieceNormal  PieceType = "normal"
	PieceSham    PieceType = "sham"
	PieceUnknown PieceType = "unknown"
)

// GoalFieldType is the true or believed type of a goal field.
type GoalFieldType string

const (
	GoalFieldGoal    GoalFieldType = "goal"
	GoalFieldNonGoal GoalFieldType = "non-goal"
	GoalFieldUnknown GoalFieldType = "unknown"
)

// ID returns a pointer to v, for optional id attributes.
func ID(v uint64) *uint64 {
	return &v
}

// ---------------------------------------------------------------------------
// Lobby messages
// ---------------------------------------------------------------------------

// GameInfo describes a registered game. In RegisteredGames the team counts
// are the number of free slots left; in RegisterGame they are team sizes.
type GameInfo struct {
	Name        string `xml:"gameName,attr" validate:"required"`
	BluePlayers int    `xml:"blueTeamPlayers,attr" validate:"gte=0"`
	RedPlayers  int    `xml:"redTeamPlayers,attr" validate:"gte=0"`
}

type GetGames struct{}

func (*GetGames) Kind() Kind { return KindGetGames }

type RegisteredGames struct {
	Games []GameInfo `xml:"GameInfo" validate:"dive"`
}

func (*RegisteredGames) Kind() Kind { return KindRegisteredGames }

type RegisterGame struct {
	NewGameInfo GameInfo `xml:"NewGameInfo"`
}

func (*RegisterGame) Kind() Kind { return KindRegisterGame }

type ConfirmGameRegistration struct {
	GameID uint64 `xml:"gameId,attr"`
}

func (*ConfirmGameRegistration) Kind() Kind { return KindConfirmGameRegistration }

type RejectGameRegistration struct {
	GameName string `xml:"gameName,attr" validate:"required"`
}

func (*RejectGameRegistration) Kind() Kind { return KindRejectGameRegistration }

// JoinGame is sent by a player. The server fills PlayerID with the
// player's connection id before forwarding it to the game master.
type JoinGame struct {
	GameName      string     `xml:"gameName,attr" validate:"required"`
	PreferredTeam Team       `xml:"preferedTeam,attr" validate:"oneof=blue red"`
	PreferredRole PlayerRole `xml:"preferedRole,attr" validate:"oneof=leader member"`
	PlayerID      *uint64    `xml:"playerId,attr,omitempty"`
}

func (*JoinGame) Kind() Kind { return KindJoinGame }

// PlayerDefinition is a player's public identity inside a game.
type PlayerDefinition struct {
	ID   uint64     `xml:"id,attr"`
	Team Team       `xml:"team,attr" validate:"oneof=blue red"`
	Role PlayerRole `xml:"type,attr" validate:"oneof=leader member"`
}

type ConfirmJoiningGame struct {
	PlayerID    uint64           `xml:"playerId,attr"`
	GameID      uint64           `xml:"gameId,attr"`
	PrivateGUID string           `xml:"privateGuid,attr" validate:"required"`
	Definition  PlayerDefinition `xml:"PlayerDefinition"`
}

func (*ConfirmJoiningGame) Kind() Kind          { return KindConfirmJoiningGame }
func (m *ConfirmJoiningGame) Recipient() uint64 { return m.PlayerID }

type RejectJoiningGame struct {
	PlayerID uint64 `xml:"playerId,attr"`
	GameName string `xml:"gameName,attr" validate:"required"`
}

func (*RejectJoiningGame) Kind() Kind          { return KindRejectJoiningGame }
func (m *RejectJoiningGame) Recipient() uint64 { return m.PlayerID }

type GameStarted struct {
	GameID uint64 `xml:"gameId,attr"`
}

func (*GameStarted) Kind() Kind { return KindGameStarted }

// BoardInfo carries the board dimensions.
type BoardInfo struct {
	Width       int `xml:"width,attr" validate:"gt=0"`
	TasksHeight int `xml:"tasksHeight,attr" validate:"gt=0"`
	GoalsHeight int `xml:"goalsHeight,attr" validate:"gt=0"`
}

// Location is a board coordinate.
type Location struct {
	X int `xml:"x,attr" validate:"gte=0"`
	Y int `xml:"y,attr" validate:"gte=0"`
}

// Game is the per-player snapshot sent when a round starts.
type Game struct {
	PlayerID uint64             `xml:"playerId,attr"`
	Players  []PlayerDefinition `xml:"Players>Player" validate:"dive"`
	Board    BoardInfo          `xml:"Board"`
	Location *Location          `xml:"PlayerLocation,omitempty"`
}

func (*Game) Kind() Kind          { return KindGame }
func (m *Game) Recipient() uint64 { return m.PlayerID }

// ---------------------------------------------------------------------------
// Player actions
// ---------------------------------------------------------------------------

// ActionHeader is shared by every action message.
type ActionHeader struct {
	GameID     uint64 `xml:"gameId,attr"`
	PlayerGUID string `xml:"playerGuid,attr" validate:"required"`
}

func (h *ActionHeader) Game() uint64 { return h.GameID }
func (h *ActionHeader) GUID() string { return h.PlayerGUID }

type Move struct {
	ActionHeader
	Direction Direction `xml:"direction,attr" validate:"oneof=up down left right"`
}

func (*Move) Kind() Kind { return KindMove }

type PickUpPiece struct {
	ActionHeader
}

func (*PickUpPiece) Kind() Kind { return KindPickUpPiece }

type PlacePiece struct {
	ActionHeader
}

func (*PlacePiece) Kind() Kind { return KindPlacePiece }

type TestPiece struct {
	ActionHeader
}

func (*TestPiece) Kind() Kind { return KindTestPiece }

type Discover struct {
	ActionHeader
}

func (*Discover) Kind() Kind { return KindDiscover }

type AuthorizeKnowledgeExchange struct {
	ActionHeader
	WithPlayerID uint64 `xml:"withPlayerId,attr"`
}

func (*AuthorizeKnowledgeExchange) Kind() Kind { return KindAuthorizeKnowledgeExchange }

// ---------------------------------------------------------------------------
// Data and knowledge exchange
// ---------------------------------------------------------------------------

// TaskField reports a task field. DistanceToPiece is -1 when no piece is
// lying on the board.
type TaskField struct {
	X               int       `xml:"x,attr" validate:"gte=0"`
	Y               int       `xml:"y,attr" validate:"gte=0"`
	Timestamp       time.Time `xml:"timestamp,attr"`
	DistanceToPiece int       `xml:"distanceToPiece,attr" validate:"gte=-1"`
	PlayerID        *uint64   `xml:"playerId,attr,omitempty"`
	PieceID         *uint64   `xml:"pieceId,attr,omitempty"`
}

// GoalField reports a goal field.
type GoalField struct {
	X         int           `xml:"x,attr" validate:"gte=0"`
	Y         int           `xml:"y,attr" validate:"gte=0"`
	Timestamp time.Time     `xml:"timestamp,attr"`
	Team      Team          `xml:"team,attr" validate:"oneof=blue red"`
	Type      GoalFieldType `xml:"type,attr" validate:"oneof=goal non-goal unknown"`
	PlayerID  *uint64       `xml:"playerId,attr,omitempty"`
}

// Piece reports a piece. PlayerID is set while a player holds it.
type Piece struct {
	ID        uint64    `xml:"id,attr"`
	Timestamp time.Time `xml:"timestamp,attr"`
	Type      PieceType `xml:"type,attr" validate:"oneof=normal sham unknown"`
	PlayerID  *uint64   `xml:"playerId,attr,omitempty"`
}

// Data is the answer to every action and the carrier of exchanged
// knowledge. Answers to actions always carry the player's location;
// exchanged knowledge never does.
type Data struct {
	PlayerID     uint64      `xml:"playerId,attr"`
	GameFinished bool        `xml:"gameFinished,attr"`
	TaskFields   []TaskField `xml:"TaskFields>TaskField,omitempty" validate:"dive"`
	GoalFields   []GoalField `xml:"GoalFields>GoalField,omitempty" validate:"dive"`
	Pieces       []Piece     `xml:"Pieces>Piece,omitempty" validate:"dive"`
	Location     *Location   `xml:"PlayerLocation,omitempty"`
}

func (*Data) Kind() Kind          { return KindData }
func (m *Data) Recipient() uint64 { return m.PlayerID }

// Empty reports whether d carries no field or piece report. Rejected
// actions are answered with an empty Data that may still carry the
// player's location.
func (m *Data) Empty() bool {
	return len(m.TaskFields) == 0 && len(m.GoalFields) == 0 && len(m.Pieces) == 0
}

type KnowledgeExchangeRequest struct {
	PlayerID       uint64 `xml:"playerId,attr"`
	SenderPlayerID uint64 `xml:"senderPlayerId,attr"`
}

func (*KnowledgeExchangeRequest) Kind() Kind          { return KindKnowledgeExchangeRequest }
func (m *KnowledgeExchangeRequest) Recipient() uint64 { return m.PlayerID }

type AcceptExchangeRequest struct {
	PlayerID       uint64 `xml:"playerId,attr"`
	SenderPlayerID uint64 `xml:"senderPlayerId,attr"`
}

func (*AcceptExchangeRequest) Kind() Kind          { return KindAcceptExchangeRequest }
func (m *AcceptExchangeRequest) Recipient() uint64 { return m.PlayerID }

type RejectKnowledgeExchange struct {
	PlayerID       uint64 `xml:"playerId,attr"`
	SenderPlayerID uint64 `xml:"senderPlayerId,attr"`
	Permanent      bool   `xml:"permanent,attr"`
}

func (*RejectKnowledgeExchange) Kind() Kind          { return KindRejectKnowledgeExchange }
func (m *RejectKnowledgeExchange) Recipient() uint64 { return m.PlayerID }

// ---------------------------------------------------------------------------
// Disconnect notifications
// ---------------------------------------------------------------------------

type GameMasterDisconnected struct {
	GameID uint64 `xml:"gameId,attr"`
}

func (*GameMasterDisconnected) Kind() Kind { return KindGameMasterDisconnected }

type PlayerDisconnected struct {
	PlayerID uint64 `xml:"playerId,attr"`
}

func (*PlayerDisconnected) Kind() Kind { return KindPlayerDisconnected }

// newMessage returns an empty message for kind, or nil when the kind is
// not in the catalog.
func newMessage(kind Kind) Message {
	switch kind {
	case KindGetGames:
		return &GetGames{}
	case KindRegisteredGames:
		return &RegisteredGames{}
	case KindRegisterGame:
		return &RegisterGame{}
	case KindConfirmGameRegistration:
		return &ConfirmGameRegistration{}
	case KindRejectGameRegistration:
		return &RejectGameRegistration{}
	case KindJoinGame:
		return &JoinGame{}
	case KindConfirmJoiningGame:
		return &ConfirmJoiningGame{}
	case KindRejectJoiningGame:
		return &RejectJoiningGame{}
	case KindGameStarted:
		return &GameStarted{}
	case KindGame:
		return &Game{}
	case KindMove:
		return &Move{}
	case KindPickUpPiece:
		return &PickUpPiece{}
	case KindPlacePiece:
		return &PlacePiece{}
	case KindTestPiece:
		return &TestPiece{}
	case KindDiscover:
		return &Discover{}
	case KindAuthorizeKnowledgeExchange:
		return &AuthorizeKnowledgeExchange{}
	case KindData:
		return &Data{}
	case KindKnowledgeExchangeRequest:
		return &KnowledgeExchangeRequest{}
	case KindAcceptExchangeRequest:
		return &AcceptExchangeRequest{}
	case KindRejectKnowledgeExchange:
		return &RejectKnowledgeExchange{}
	case KindGameMasterDisconnected:
		return &GameMasterDisconnected{}
	case KindPlayerDisconnected:
		return &PlayerDisconnected{}
	}
	return nil
}
