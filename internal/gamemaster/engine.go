package gamemaster

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

// State is the lifecycle state of a game.
type State int

const (
	StateAwaitingRegistration State = iota
	StateAwaitingPlayers
	StateInProgress
	StateFinished
)

var stateStrings = map[State]string{
	StateAwaitingRegistration: "awaiting_registration",
	StateAwaitingPlayers:      "awaiting_players",
	StateInProgress:           "in_progress",
	StateFinished:             "finished",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

var (
	// ErrGameFull is returned by Join when both teams are full.
	ErrGameFull = errors.New("both teams are full")

	// ErrGameInProgress is returned by Join while a round is running.
	ErrGameInProgress = errors.New("game already in progress")

	// ErrNotRegistered is returned by Join before the game is registered.
	ErrNotRegistered = errors.New("game is not registered")

	// ErrAlreadyJoined is returned when a player id joins twice.
	ErrAlreadyJoined = errors.New("player already joined")

	// ErrNotReady is returned by Start when the teams are not full or a
	// round is already running.
	ErrNotReady = errors.New("game is not ready to start")
)

// PlayerState is the authoritative state of one joined player.
type PlayerState struct {
	ID       uint64
	Team     protocol.Team
	Role     protocol.PlayerRole
	GUID     string
	Location Point
	placed   bool
	holding  uint64

	knownPieces map[uint64]protocol.PieceType
	knownGoals  map[Point]protocol.GoalFieldType
}

func (ps *PlayerState) definition() protocol.PlayerDefinition {
	return protocol.PlayerDefinition{ID: ps.ID, Team: ps.Team, Role: ps.Role}
}

func (ps *PlayerState) forget() {
	ps.placed = false
	ps.holding = 0
	ps.knownPieces = make(map[uint64]protocol.PieceType)
	ps.knownGoals = make(map[Point]protocol.GoalFieldType)
}

// PlaceResult is the outcome of a PlacePiece action.
type PlaceResult struct {
	Data   *protocol.Data
	Scored bool
	Team   protocol.Team
	Blue   int
	Red    int
	Target int
	Winner protocol.Team
}

// Engine owns the state of one game. A single mutex guards the board,
// pieces, scores and every player's location and held piece; actions of
// different players and the piece spawner are serialized through it.
type Engine struct {
	mu sync.Mutex

	cfg     config.GameConfig
	gameID  uint64
	state   State
	board   *Board
	players map[uint64]*PlayerState
	byGUID  map[string]*PlayerState
	score   map[protocol.Team]int

	rng     *rand.Rand
	now     func() time.Time
	newGUID func() string
}

// NewEngine creates an engine for cfg. rng may be nil.
func NewEngine(cfg config.GameConfig, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{
		cfg:     cfg,
		state:   StateAwaitingRegistration,
		players: make(map[uint64]*PlayerState),
		byGUID:  make(map[string]*PlayerState),
		score:   make(map[protocol.Team]int),
		rng:     rng,
		now:     time.Now,
		newGUID: uuid.NewString,
	}
}

// Config returns the game definition.
func (e *Engine) Config() config.GameConfig {
	return e.cfg
}

// GameInfo returns the registration request for this game.
func (e *Engine) GameInfo() protocol.GameInfo {
	return protocol.GameInfo{
		Name:        e.cfg.GameName,
		BluePlayers: e.cfg.NumberOfPlayersPerTeam,
		RedPlayers:  e.cfg.NumberOfPlayersPerTeam,
	}
}

// SetRegistered records the id assigned by the relay and opens the game
// for joins.
func (e *Engine) SetRegistered(gameID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gameID = gameID
	if e.state == StateAwaitingRegistration {
		e.state = StateAwaitingPlayers
	}
}

// GameID returns the relay-assigned game id.
func (e *Engine) GameID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gameID
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Score returns the blue and red scores.
func (e *Engine) Score() (blue, red int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score[protocol.TeamBlue], e.score[protocol.TeamRed]
}

// PlayerCount returns the number of joined players.
func (e *Engine) PlayerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.players)
}

// PlayerIDs returns the joined players ordered by id.
func (e *Engine) PlayerIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playerIDs()
}

func (e *Engine) playerIDs() []uint64 {
	ids := make([]uint64, 0, len(e.players))
	for id := range e.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PlayerByGUID resolves a private GUID to its player id.
func (e *Engine) PlayerByGUID(guid string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.byGUID[guid]
	if !ok {
		return 0, false
	}
	return ps.ID, true
}

func (e *Engine) teamCounts(team protocol.Team) (members int, hasLeader bool) {
	for _, ps := range e.players {
		if ps.Team != team {
			continue
		}
		members++
		if ps.Role == protocol.RoleLeader {
			hasLeader = true
		}
	}
	return members, hasLeader
}

// Join admits a player. The preferred team is used while it has room,
// otherwise the other team. A player becomes Leader when it asks for it
// and the team has none, or when it is the last to fill a leaderless team.
func (e *Engine) Join(playerID uint64, team protocol.Team, role protocol.PlayerRole) (*protocol.ConfirmJoiningGame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateAwaitingRegistration:
		return nil, ErrNotRegistered
	case StateInProgress, StateFinished:
		return nil, ErrGameInProgress
	}
	if _, exists := e.players[playerID]; exists {
		return nil, fmt.Errorf("player %d: %w", playerID, ErrAlreadyJoined)
	}
	if !team.Valid() {
		team = protocol.TeamBlue
	}

	limit := e.cfg.NumberOfPlayersPerTeam
	members, hasLeader := e.teamCounts(team)
	if members >= limit {
		team = team.Opponent()
		members, hasLeader = e.teamCounts(team)
		if members >= limit {
			return nil, ErrGameFull
		}
	}

	assigned := protocol.RoleMember
	if !hasLeader && (role == protocol.RoleLeader || members+1 == limit) {
		assigned = protocol.RoleLeader
	}

	ps := &PlayerState{
		ID:   playerID,
		Team: team,
		Role: assigned,
		GUID: e.newGUID(),
	}
	ps.forget()
	e.players[playerID] = ps
	e.byGUID[ps.GUID] = ps

	return &protocol.ConfirmJoiningGame{
		PlayerID:    playerID,
		GameID:      e.gameID,
		PrivateGUID: ps.GUID,
		Definition:  ps.definition(),
	}, nil
}

// Full reports whether both teams are complete.
func (e *Engine) Full() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.full()
}

func (e *Engine) full() bool {
	return len(e.players) == 2*e.cfg.NumberOfPlayersPerTeam
}

// Start begins a round: it lays out a fresh board, scatters every player
// over its own goal band and spawns the initial pieces. It returns the
// Game snapshot of every player.
func (e *Engine) Start() ([]*protocol.Game, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateAwaitingPlayers || !e.full() {
		return nil, ErrNotReady
	}

	e.board = NewBoard(e.cfg)
	e.score = make(map[protocol.Team]int)

	ids := e.playerIDs()
	for _, id := range ids {
		ps := e.players[id]
		ps.forget()
		free := e.board.freeBandFields(GoalBand(ps.Team))
		if len(free) == 0 {
			return nil, fmt.Errorf("no free field for player %d in the %s goal area", id, ps.Team)
		}
		ps.Location = free[e.rng.IntN(len(free))]
		ps.placed = true
		e.board.setOccupant(ps.Location, id)
	}

	for i := 0; i < e.cfg.InitialNumberOfPieces; i++ {
		if _, ok := e.spawnPiece(); !ok {
			break
		}
	}

	e.state = StateInProgress

	definitions := make([]protocol.PlayerDefinition, 0, len(ids))
	for _, id := range ids {
		definitions = append(definitions, e.players[id].definition())
	}

	games := make([]*protocol.Game, 0, len(ids))
	for _, id := range ids {
		ps := e.players[id]
		games = append(games, &protocol.Game{
			PlayerID: id,
			Players:  definitions,
			Board:    e.board.Info(),
			Location: &protocol.Location{X: ps.Location.X, Y: ps.Location.Y},
		})
	}
	return games, nil
}

// SpawnPiece places a new piece on a random free task field while the
// board is below capacity.
func (e *Engine) SpawnPiece() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return 0, false
	}
	return e.spawnPiece()
}

func (e *Engine) spawnPiece() (uint64, bool) {
	capacity := e.cfg.MaxPiecesOnBoard
	if capacity <= 0 {
		capacity = len(e.board.tasks)
	}
	if e.board.piecesOnBoard() >= capacity {
		return 0, false
	}

	free := e.board.freeTaskFields()
	if len(free) == 0 {
		return 0, false
	}

	kind := protocol.PieceNormal
	if e.rng.Float64() < e.cfg.ShamProbability {
		kind = protocol.PieceSham
	}
	pc := e.board.addPiece(kind, free[e.rng.IntN(len(free))])
	return pc.id, true
}

// active returns the player when a round is running and it is placed on
// the board.
func (e *Engine) active(playerID uint64) (*PlayerState, bool) {
	if e.state != StateInProgress {
		return nil, false
	}
	ps, ok := e.players[playerID]
	if !ok || !ps.placed {
		return nil, false
	}
	return ps, true
}

func emptyData(playerID uint64) *protocol.Data {
	return &protocol.Data{PlayerID: playerID}
}

// rejected answers an action of ps that had no effect.
func rejected(ps *PlayerState) *protocol.Data {
	return &protocol.Data{PlayerID: ps.ID, Location: location(ps.Location)}
}

func location(p Point) *protocol.Location {
	return &protocol.Location{X: p.X, Y: p.Y}
}

func (e *Engine) taskReport(p Point, ts time.Time) protocol.TaskField {
	f := e.board.tasks[p]
	tf := protocol.TaskField{X: p.X, Y: p.Y, Timestamp: ts, DistanceToPiece: f.distance}
	if f.occupant != 0 {
		tf.PlayerID = protocol.ID(f.occupant)
	}
	if f.pieceID != 0 {
		tf.PieceID = protocol.ID(f.pieceID)
	}
	return tf
}

// goalReport reports a goal field with the type ps has already learned.
func (e *Engine) goalReport(ps *PlayerState, p Point, ts time.Time) protocol.GoalField {
	f := e.board.goals[p]
	kind, known := ps.knownGoals[p]
	if !known {
		kind = protocol.GoalFieldUnknown
	}
	gf := protocol.GoalField{X: p.X, Y: p.Y, Timestamp: ts, Team: f.team, Type: kind}
	if f.occupant != 0 {
		gf.PlayerID = protocol.ID(f.occupant)
	}
	return gf
}

// pieceReport reports a piece with the type ps has already learned.
func (e *Engine) pieceReport(ps *PlayerState, pc *piece, ts time.Time) protocol.Piece {
	kind, known := ps.knownPieces[pc.id]
	if !known {
		kind = protocol.PieceUnknown
	}
	rp := protocol.Piece{ID: pc.id, Timestamp: ts, Type: kind}
	if pc.holder != 0 {
		rp.PlayerID = protocol.ID(pc.holder)
	}
	return rp
}

// fieldReport adds the field at p to data.
func (e *Engine) fieldReport(ps *PlayerState, data *protocol.Data, p Point, ts time.Time) {
	if _, ok := e.board.tasks[p]; ok {
		data.TaskFields = append(data.TaskFields, e.taskReport(p, ts))
		return
	}
	data.GoalFields = append(data.GoalFields, e.goalReport(ps, p, ts))
}

// Move moves a player one field. Leaving the board, entering the opposing
// goal area or stepping onto an occupied field leaves the player in place.
func (e *Engine) Move(playerID uint64, dir protocol.Direction) *protocol.Data {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.active(playerID)
	if !ok {
		return emptyData(playerID)
	}

	ts := e.now()
	data := &protocol.Data{PlayerID: playerID, Location: location(ps.Location)}
	target := ps.Location.step(dir)

	band := e.board.Band(target)
	if band == BandOutside || band == GoalBand(ps.Team.Opponent()) {
		return data
	}
	if e.board.occupant(target) != 0 {
		e.fieldReport(ps, data, target, ts)
		return data
	}

	e.board.setOccupant(ps.Location, 0)
	e.board.setOccupant(target, playerID)
	ps.Location = target

	data.Location = location(target)
	e.fieldReport(ps, data, target, ts)
	if f, ok := e.board.tasks[target]; ok && f.pieceID != 0 {
		data.Pieces = append(data.Pieces, e.pieceReport(ps, e.board.pieces[f.pieceID], ts))
	}
	return data
}

// Discover reports the fields around the player, its own included. Piece
// presence is reported, piece types are not.
func (e *Engine) Discover(playerID uint64) *protocol.Data {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.active(playerID)
	if !ok {
		return emptyData(playerID)
	}

	ts := e.now()
	data := &protocol.Data{PlayerID: playerID, Location: location(ps.Location)}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			p := Point{X: ps.Location.X + dx, Y: ps.Location.Y + dy}
			if e.board.InBounds(p) {
				e.fieldReport(ps, data, p, ts)
			}
		}
	}
	return data
}

// PickUp lifts the piece lying on the player's task field. It is a no-op
// when the player already holds a piece or there is nothing to lift.
func (e *Engine) PickUp(playerID uint64) *protocol.Data {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.active(playerID)
	if !ok {
		return emptyData(playerID)
	}
	if ps.holding != 0 {
		return rejected(ps)
	}

	pc := e.board.lift(ps.Location, playerID)
	if pc == nil {
		return rejected(ps)
	}
	ps.holding = pc.id

	ts := e.now()
	return &protocol.Data{
		PlayerID:   playerID,
		TaskFields: []protocol.TaskField{e.taskReport(ps.Location, ts)},
		Pieces:     []protocol.Piece{e.pieceReport(ps, pc, ts)},
		Location:   location(ps.Location),
	}
}

// TestPiece reveals the true type of the held piece to its holder.
func (e *Engine) TestPiece(playerID uint64) *protocol.Data {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.active(playerID)
	if !ok {
		return emptyData(playerID)
	}
	if ps.holding == 0 {
		return rejected(ps)
	}

	pc := e.board.pieces[ps.holding]
	ps.knownPieces[pc.id] = pc.kind
	return &protocol.Data{
		PlayerID: playerID,
		Pieces:   []protocol.Piece{e.pieceReport(ps, pc, e.now())},
		Location: location(ps.Location),
	}
}

// Place puts the held piece down. On a task field the piece is dropped
// there; in a goal area it is consumed, and a normal piece reveals the
// field type and scores once per goal field.
func (e *Engine) Place(playerID uint64) PlaceResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := PlaceResult{Data: emptyData(playerID)}

	ps, ok := e.active(playerID)
	if !ok {
		return result
	}
	result.Data = rejected(ps)
	if ps.holding == 0 {
		return result
	}
	pc := e.board.pieces[ps.holding]
	ts := e.now()

	if _, onTask := e.board.tasks[ps.Location]; onTask {
		if !e.board.drop(pc, ps.Location) {
			return result
		}
		ps.holding = 0
		result.Data.TaskFields = []protocol.TaskField{e.taskReport(ps.Location, ts)}
		result.Data.Pieces = []protocol.Piece{e.pieceReport(ps, pc, ts)}
		return result
	}

	e.board.consume(pc)
	ps.holding = 0
	if pc.kind == protocol.PieceSham {
		return result
	}

	field := e.board.goals[ps.Location]
	ps.knownGoals[ps.Location] = field.kind
	result.Data.GoalFields = []protocol.GoalField{e.goalReport(ps, ps.Location, ts)}

	if field.kind != protocol.GoalFieldGoal || field.completed {
		return result
	}

	field.completed = true
	e.score[field.team]++

	result.Scored = true
	result.Team = field.team
	result.Blue = e.score[protocol.TeamBlue]
	result.Red = e.score[protocol.TeamRed]
	result.Target = e.target(field.team)

	if e.score[field.team] >= result.Target {
		result.Winner = field.team
		e.state = StateFinished
	}
	return result
}

// target is the number of completed goals a team needs to win: half of
// all goal fields, rounded up, at least one and at most the team's own.
func (e *Engine) target(team protocol.Team) int {
	total := e.board.GoalFields(protocol.TeamBlue) + e.board.GoalFields(protocol.TeamRed)
	t := max((total+1)/2, 1)
	return min(t, max(e.board.GoalFields(team), 1))
}

// AuthorizeExchange validates a knowledge exchange between two players of
// the running game. It returns the request to deliver to the other player,
// nil when the exchange is not allowed, and the answer for the requester.
func (e *Engine) AuthorizeExchange(playerID, withPlayerID uint64) (*protocol.KnowledgeExchangeRequest, *protocol.Data) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.active(playerID)
	if !ok {
		return nil, emptyData(playerID)
	}
	if _, ok := e.players[withPlayerID]; !ok || playerID == withPlayerID {
		return nil, rejected(ps)
	}
	return &protocol.KnowledgeExchangeRequest{PlayerID: withPlayerID, SenderPlayerID: playerID}, rejected(ps)
}

// RemovePlayer drops a player. During a round its field is freed and a
// held piece is dropped on its task field, or consumed when that is not
// possible. It reports whether the player was known.
func (e *Engine) RemovePlayer(playerID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.players[playerID]
	if !ok {
		return false
	}
	delete(e.players, playerID)
	delete(e.byGUID, ps.GUID)

	if e.board == nil || !ps.placed {
		return true
	}
	e.board.setOccupant(ps.Location, 0)
	if ps.holding != 0 {
		pc := e.board.pieces[ps.holding]
		if !e.board.drop(pc, ps.Location) {
			e.board.consume(pc)
		}
	}
	return true
}

// Reset ends a finished round in place. Players stay joined with their
// GUIDs; the board, pieces, scores and per-player knowledge are cleared.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

// AbandonRound resets a running round once one team has no players left.
// The remaining players stay joined and the game accepts joins again.
func (e *Engine) AbandonRound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInProgress {
		return false
	}
	blue, _ := e.teamCounts(protocol.TeamBlue)
	red, _ := e.teamCounts(protocol.TeamRed)
	if blue > 0 && red > 0 {
		return false
	}
	e.reset()
	return true
}

func (e *Engine) reset() {
	e.board = nil
	e.score = make(map[protocol.Team]int)
	for _, ps := range e.players {
		ps.forget()
	}
	if e.state != StateAwaitingRegistration {
		e.state = StateAwaitingPlayers
	}
}
