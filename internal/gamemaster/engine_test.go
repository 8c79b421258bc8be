package gamemaster

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

func testGameConfig(perTeam int) config.GameConfig {
	cfg := config.DefaultGameConfig()
	cfg.NumberOfPlayersPerTeam = perTeam
	cfg.InitialNumberOfPieces = 0
	cfg.ShamProbability = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg config.GameConfig) *Engine {
	t.Helper()
	e := NewEngine(cfg, rand.New(rand.NewPCG(1, 2)))
	e.SetRegistered(7)
	return e
}

// startedEngine returns a running one-versus-one game: player 1 is blue,
// player 2 is red.
func startedEngine(t *testing.T, cfg config.GameConfig) *Engine {
	t.Helper()
	cfg.NumberOfPlayersPerTeam = 1
	e := newTestEngine(t, cfg)
	if _, err := e.Join(1, protocol.TeamBlue, protocol.RoleLeader); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if _, err := e.Join(2, protocol.TeamRed, protocol.RoleLeader); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if _, err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

// teleport moves a player without game rules.
func teleport(t *testing.T, e *Engine, id uint64, p Point) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.players[id]
	if occ := e.board.occupant(p); occ != 0 && occ != id {
		t.Fatalf("field %v is occupied by %d", p, occ)
	}
	e.board.setOccupant(ps.Location, 0)
	e.board.setOccupant(p, id)
	ps.Location = p
}

func putPiece(t *testing.T, e *Engine, kind protocol.PieceType, p Point) uint64 {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.board.addPiece(kind, p).id
}

func givePiece(t *testing.T, e *Engine, id uint64, kind protocol.PieceType) uint64 {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.board.nextPieceID++
	pc := &piece{id: e.board.nextPieceID, kind: kind, holder: id}
	e.board.pieces[pc.id] = pc
	e.players[id].holding = pc.id
	return pc.id
}

// checkInvariants verifies occupancy and piece conservation.
func checkInvariants(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.board == nil {
		return
	}

	occupied := map[uint64]Point{}
	check := func(p Point, occupant uint64) {
		if occupant == 0 {
			return
		}
		if prev, dup := occupied[occupant]; dup {
			t.Errorf("player %d occupies %v and %v", occupant, prev, p)
		}
		occupied[occupant] = p
	}
	for p, f := range e.board.tasks {
		check(p, f.occupant)
	}
	for p, f := range e.board.goals {
		check(p, f.occupant)
	}
	for id, ps := range e.players {
		if ps.placed && occupied[id] != ps.Location {
			t.Errorf("player %d at %v but board says %v", id, ps.Location, occupied[id])
		}
	}

	for id, pc := range e.board.pieces {
		states := 0
		if pc.onBoard {
			states++
			if e.board.tasks[pc.at].pieceID != id {
				t.Errorf("piece %d on board at %v but field holds %d", id, pc.at, e.board.tasks[pc.at].pieceID)
			}
		}
		if pc.holder != 0 {
			states++
			if e.players[pc.holder] != nil && e.players[pc.holder].holding != id {
				t.Errorf("piece %d held by %d who holds %d", id, pc.holder, e.players[pc.holder].holding)
			}
		}
		if pc.consumed {
			states++
		}
		if states > 1 {
			t.Errorf("piece %d is in %d states at once", id, states)
		}
	}
}

func TestJoinAssignsTeamsAndLeaders(t *testing.T) {
	e := newTestEngine(t, testGameConfig(2))

	var confirmed []*protocol.ConfirmJoiningGame
	for id := uint64(1); id <= 5; id++ {
		c, err := e.Join(id, protocol.TeamRed, protocol.RoleLeader)
		if id == 5 {
			if !errors.Is(err, ErrGameFull) {
				t.Fatalf("fifth join: err = %v, want ErrGameFull", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
		confirmed = append(confirmed, c)
	}

	want := []protocol.PlayerDefinition{
		{ID: 1, Team: protocol.TeamRed, Role: protocol.RoleLeader},
		{ID: 2, Team: protocol.TeamRed, Role: protocol.RoleMember},
		{ID: 3, Team: protocol.TeamBlue, Role: protocol.RoleLeader},
		{ID: 4, Team: protocol.TeamBlue, Role: protocol.RoleMember},
	}
	guids := map[string]bool{}
	for i, c := range confirmed {
		if c.Definition != want[i] {
			t.Errorf("player %d: got %+v, want %+v", i+1, c.Definition, want[i])
		}
		if c.GameID != 7 {
			t.Errorf("player %d: game id %d", i+1, c.GameID)
		}
		if c.PrivateGUID == "" || guids[c.PrivateGUID] {
			t.Errorf("player %d: GUID %q empty or reused", i+1, c.PrivateGUID)
		}
		guids[c.PrivateGUID] = true
	}

	if !e.Full() {
		t.Error("game should be full")
	}
}

func TestJoinMemberPreferenceStillFillsLeader(t *testing.T) {
	e := newTestEngine(t, testGameConfig(2))

	first, _ := e.Join(1, protocol.TeamBlue, protocol.RoleMember)
	second, _ := e.Join(2, protocol.TeamBlue, protocol.RoleMember)

	if first.Definition.Role != protocol.RoleMember {
		t.Errorf("first role = %s, want member", first.Definition.Role)
	}
	if second.Definition.Role != protocol.RoleLeader {
		t.Errorf("last joiner of a leaderless team got %s, want leader", second.Definition.Role)
	}
}

func TestJoinRejectedOutsideLobby(t *testing.T) {
	cfg := testGameConfig(1)
	e := NewEngine(cfg, rand.New(rand.NewPCG(1, 2)))

	if _, err := e.Join(1, protocol.TeamBlue, protocol.RoleLeader); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("join before registration: err = %v", err)
	}

	e = startedEngine(t, cfg)
	if _, err := e.Join(3, protocol.TeamBlue, protocol.RoleMember); !errors.Is(err, ErrGameInProgress) {
		t.Fatalf("join during round: err = %v", err)
	}
	if _, err := e.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second Start: err = %v", err)
	}
}

func TestStartPlacesPlayersInOwnGoalArea(t *testing.T) {
	cfg := testGameConfig(2)
	cfg.InitialNumberOfPieces = 5
	e := newTestEngine(t, cfg)
	for id := uint64(1); id <= 4; id++ {
		team := protocol.TeamBlue
		if id%2 == 0 {
			team = protocol.TeamRed
		}
		if _, err := e.Join(id, team, protocol.RoleMember); err != nil {
			t.Fatal(err)
		}
	}

	games, err := e.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(games) != 4 || e.State() != StateInProgress {
		t.Fatalf("got %d snapshots in state %s", len(games), e.State())
	}

	for _, g := range games {
		if len(g.Players) != 4 {
			t.Errorf("snapshot of %d lists %d players", g.PlayerID, len(g.Players))
		}
		if g.Board.Width != cfg.BoardWidth || g.Board.TasksHeight != cfg.TaskAreaLength || g.Board.GoalsHeight != cfg.GoalAreaLength {
			t.Errorf("board info %+v", g.Board)
		}
		team := e.players[g.PlayerID].Team
		if band := e.board.Band(Point{X: g.Location.X, Y: g.Location.Y}); band != GoalBand(team) {
			t.Errorf("player %d (%s) starts in band %d", g.PlayerID, team, band)
		}
	}

	if n := e.board.piecesOnBoard(); n != 5 {
		t.Errorf("pieces on board = %d, want 5", n)
	}
	checkInvariants(t, e)
}

func TestMoveRules(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 0, Y: 2})
	teleport(t, e, 2, Point{X: 1, Y: 3})

	// Off the board.
	data := e.Move(1, protocol.DirectionLeft)
	if data.Location == nil || *data.Location != (protocol.Location{X: 0, Y: 2}) {
		t.Fatalf("move off board: location %+v", data.Location)
	}

	// Onto the task area.
	pieceID := putPiece(t, e, protocol.PieceNormal, Point{X: 0, Y: 3})
	data = e.Move(1, protocol.DirectionUp)
	if *data.Location != (protocol.Location{X: 0, Y: 3}) {
		t.Fatalf("move up: location %+v", data.Location)
	}
	if len(data.TaskFields) != 1 || data.TaskFields[0].DistanceToPiece != 0 {
		t.Errorf("task field report %+v", data.TaskFields)
	}
	if len(data.Pieces) != 1 || data.Pieces[0].ID != pieceID || data.Pieces[0].Type != protocol.PieceUnknown {
		t.Errorf("piece report %+v, want unknown piece %d", data.Pieces, pieceID)
	}

	// Into an occupied field.
	data = e.Move(1, protocol.DirectionRight)
	if *data.Location != (protocol.Location{X: 0, Y: 3}) {
		t.Fatalf("move into occupied field changed location to %+v", data.Location)
	}
	if len(data.TaskFields) != 1 || data.TaskFields[0].PlayerID == nil || *data.TaskFields[0].PlayerID != 2 {
		t.Errorf("occupied field report %+v", data.TaskFields)
	}

	// Into the opposing goal area.
	teleport(t, e, 2, Point{X: 4, Y: 3})
	teleport(t, e, 1, Point{X: 0, Y: 9})
	data = e.Move(1, protocol.DirectionUp)
	if *data.Location != (protocol.Location{X: 0, Y: 9}) {
		t.Fatalf("blue player entered the red goal area: %+v", data.Location)
	}

	checkInvariants(t, e)
}

func TestDiscoverClipsToBoard(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 0, Y: 0})

	data := e.Discover(1)
	if got := len(data.TaskFields) + len(data.GoalFields); got != 4 {
		t.Fatalf("corner discover returned %d fields, want 4", got)
	}
	for _, g := range data.GoalFields {
		if g.Type != protocol.GoalFieldUnknown {
			t.Errorf("discover revealed goal type at (%d,%d)", g.X, g.Y)
		}
	}

	teleport(t, e, 1, Point{X: 2, Y: 3})
	putPiece(t, e, protocol.PieceSham, Point{X: 3, Y: 4})
	data = e.Discover(1)
	if len(data.TaskFields)+len(data.GoalFields) != 9 {
		t.Fatalf("discover returned %d+%d fields, want 9", len(data.TaskFields), len(data.GoalFields))
	}
	if len(data.Pieces) != 0 {
		t.Error("discover must not report piece types")
	}
	for _, f := range data.TaskFields {
		if f.X == 3 && f.Y == 4 && (f.PieceID == nil || f.DistanceToPiece != 0) {
			t.Errorf("piece field reported as %+v", f)
		}
	}
}

func TestConcurrentPickUpSucceedsOnce(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 2, Y: 5})
	teleport(t, e, 2, Point{X: 2, Y: 6})
	pieceID := putPiece(t, e, protocol.PieceNormal, Point{X: 2, Y: 5})

	const attempts = 16
	results := make(chan *protocol.Data, attempts+1)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.PickUp(1)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		results <- e.Move(2, protocol.DirectionDown)
	}()
	wg.Wait()
	close(results)

	picked := 0
	for data := range results {
		for _, p := range data.Pieces {
			if p.ID == pieceID && p.PlayerID != nil && *p.PlayerID == 1 {
				picked++
			}
		}
	}
	if picked != 1 {
		t.Fatalf("piece picked up %d times, want 1", picked)
	}
	if loc := e.players[2].Location; loc != (Point{X: 2, Y: 6}) {
		t.Errorf("player 2 moved onto an occupied field: %v", loc)
	}
	checkInvariants(t, e)
}

func TestPickUpRequiresPieceAndEmptyHands(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 1, Y: 4})

	if data := e.PickUp(1); !data.Empty() {
		t.Fatalf("pickup on empty field returned %+v", data)
	}

	putPiece(t, e, protocol.PieceNormal, Point{X: 1, Y: 4})
	givePiece(t, e, 1, protocol.PieceNormal)
	if data := e.PickUp(1); !data.Empty() {
		t.Fatalf("pickup with full hands returned %+v", data)
	}
}

func TestPlaceOnTaskFieldKeepsPieceConserved(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 1, Y: 4})
	pieceID := putPiece(t, e, protocol.PieceSham, Point{X: 1, Y: 4})

	e.PickUp(1)
	if data := e.TestPiece(1); len(data.Pieces) != 1 || data.Pieces[0].Type != protocol.PieceSham {
		t.Fatalf("test piece returned %+v", data)
	}
	checkInvariants(t, e)

	teleport(t, e, 1, Point{X: 2, Y: 4})
	result := e.Place(1)
	if len(result.Data.TaskFields) != 1 || len(result.Data.Pieces) != 1 {
		t.Fatalf("drop reply %+v", result.Data)
	}
	if p := result.Data.Pieces[0]; p.ID != pieceID || p.Type != protocol.PieceSham || p.PlayerID != nil {
		t.Errorf("dropped piece reported as %+v", p)
	}

	pc := e.board.pieces[pieceID]
	if !pc.onBoard || pc.holder != 0 || pc.at != (Point{X: 2, Y: 4}) {
		t.Errorf("piece state after drop: %+v", pc)
	}
	if e.players[1].holding != 0 {
		t.Error("player still holds the dropped piece")
	}
	checkInvariants(t, e)
}

func TestPlaceScoresOncePerGoal(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 1, Y: 0})

	givePiece(t, e, 1, protocol.PieceNormal)
	result := e.Place(1)
	if !result.Scored || result.Team != protocol.TeamBlue || result.Blue != 1 {
		t.Fatalf("first placement: %+v", result)
	}
	if len(result.Data.GoalFields) != 1 || result.Data.GoalFields[0].Type != protocol.GoalFieldGoal {
		t.Errorf("goal not revealed: %+v", result.Data.GoalFields)
	}
	if result.Target != 3 {
		t.Errorf("target = %d, want 3", result.Target)
	}

	// Nothing held: the consumed piece cannot be placed again.
	if again := e.Place(1); again.Scored || !again.Data.Empty() {
		t.Fatalf("second placement without a piece: %+v", again)
	}

	// A new piece on the completed goal reveals it but does not score.
	givePiece(t, e, 1, protocol.PieceNormal)
	if repeat := e.Place(1); repeat.Scored {
		t.Fatal("completed goal scored twice")
	}
	if blue, red := e.Score(); blue != 1 || red != 0 {
		t.Errorf("score = %d:%d, want 1:0", blue, red)
	}

	// Non-goal fields are revealed without scoring.
	teleport(t, e, 1, Point{X: 0, Y: 0})
	givePiece(t, e, 1, protocol.PieceNormal)
	result = e.Place(1)
	if result.Scored || result.Data.GoalFields[0].Type != protocol.GoalFieldNonGoal {
		t.Errorf("non-goal placement: %+v", result)
	}
	checkInvariants(t, e)
}

func TestPlaceShamInGoalAreaRevealsNothing(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 1, Y: 0})
	pieceID := givePiece(t, e, 1, protocol.PieceSham)

	result := e.Place(1)
	if result.Scored || !result.Data.Empty() {
		t.Fatalf("sham placement: %+v", result)
	}
	if !e.board.pieces[pieceID].consumed {
		t.Error("sham piece not consumed")
	}
	checkInvariants(t, e)
}

func TestWinFinishesAndResetRestarts(t *testing.T) {
	cfg := testGameConfig(1)
	cfg.Goals = []config.GoalDefinition{
		{X: 1, Y: 0, Team: protocol.TeamBlue},
		{X: 1, Y: 12, Team: protocol.TeamRed},
	}
	e := startedEngine(t, cfg)
	guid := e.players[1].GUID

	teleport(t, e, 1, Point{X: 1, Y: 0})
	givePiece(t, e, 1, protocol.PieceNormal)
	result := e.Place(1)
	if result.Winner != protocol.TeamBlue || result.Target != 1 {
		t.Fatalf("winning placement: %+v", result)
	}
	if e.State() != StateFinished {
		t.Fatalf("state = %s, want finished", e.State())
	}
	if data := e.Move(1, protocol.DirectionUp); !data.Empty() {
		t.Error("actions must be no-ops after the round finished")
	}

	e.Reset()
	if e.State() != StateAwaitingPlayers || e.PlayerCount() != 2 {
		t.Fatalf("after reset: state %s with %d players", e.State(), e.PlayerCount())
	}
	if id, ok := e.PlayerByGUID(guid); !ok || id != 1 {
		t.Error("GUID not kept across reset")
	}
	if blue, red := e.Score(); blue != 0 || red != 0 {
		t.Errorf("score not reset: %d:%d", blue, red)
	}
	if _, err := e.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	checkInvariants(t, e)
}

func TestRemovePlayerFreesFieldAndDropsPiece(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	teleport(t, e, 1, Point{X: 3, Y: 5})
	pieceID := givePiece(t, e, 1, protocol.PieceNormal)

	if !e.RemovePlayer(1) {
		t.Fatal("RemovePlayer returned false")
	}
	if e.RemovePlayer(1) {
		t.Error("second RemovePlayer returned true")
	}

	if occ := e.board.occupant(Point{X: 3, Y: 5}); occ != 0 {
		t.Errorf("field still occupied by %d", occ)
	}
	pc := e.board.pieces[pieceID]
	if !pc.onBoard || pc.at != (Point{X: 3, Y: 5}) {
		t.Errorf("held piece not dropped: %+v", pc)
	}
	if e.State() != StateInProgress {
		t.Errorf("state = %s, game should continue", e.State())
	}
	checkInvariants(t, e)
}

func TestAbandonRoundWhenTeamEmpties(t *testing.T) {
	cfg := testGameConfig(2)
	e := newTestEngine(t, cfg)
	for id, team := range []protocol.Team{protocol.TeamBlue, protocol.TeamBlue, protocol.TeamRed, protocol.TeamRed} {
		if _, err := e.Join(uint64(id+1), team, protocol.RoleMember); err != nil {
			t.Fatalf("join %d: %v", id+1, err)
		}
	}
	if _, err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.RemovePlayer(1)
	if e.AbandonRound() {
		t.Fatal("round abandoned with a blue player left")
	}
	e.RemovePlayer(2)
	if !e.AbandonRound() {
		t.Fatal("round not abandoned after the blue team left")
	}
	if e.State() != StateAwaitingPlayers || e.PlayerCount() != 2 {
		t.Fatalf("state %s with %d players", e.State(), e.PlayerCount())
	}
	if e.AbandonRound() {
		t.Error("AbandonRound outside a round succeeded")
	}

	if _, err := e.Join(5, protocol.TeamBlue, protocol.RoleLeader); err != nil {
		t.Fatalf("join after abandoned round: %v", err)
	}
}

func TestAbandonRoundWhenEveryoneLeft(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))
	e.RemovePlayer(1)
	e.RemovePlayer(2)
	if !e.AbandonRound() {
		t.Fatal("empty round not abandoned")
	}
	if _, err := e.Join(3, protocol.TeamBlue, protocol.RoleLeader); err != nil {
		t.Fatalf("join after everyone left: %v", err)
	}
}

func TestSpawnPieceRespectsCapacity(t *testing.T) {
	cfg := testGameConfig(1)
	cfg.MaxPiecesOnBoard = 3
	e := startedEngine(t, cfg)

	spawned := 0
	for i := 0; i < 10; i++ {
		if _, ok := e.SpawnPiece(); ok {
			spawned++
		}
	}
	if spawned != 3 || e.board.piecesOnBoard() != 3 {
		t.Fatalf("spawned %d, on board %d, want 3", spawned, e.board.piecesOnBoard())
	}
	checkInvariants(t, e)
}

func TestSpawnerStops(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))

	spawned := make(chan uint64, 64)
	s := StartSpawner(e, 1, func(id uint64) { spawned <- id })
	<-spawned
	s.Stop()
	s.Stop()

	n := e.board.piecesOnBoard()
	if n == 0 {
		t.Fatal("spawner placed no pieces")
	}
	time.Sleep(20 * time.Millisecond)
	e.mu.Lock()
	after := e.board.piecesOnBoard()
	e.mu.Unlock()
	if after != n {
		t.Errorf("spawner kept running after Stop: %d -> %d", n, after)
	}
	checkInvariants(t, e)
}

func TestAuthorizeExchange(t *testing.T) {
	e := startedEngine(t, testGameConfig(1))

	req, reply := e.AuthorizeExchange(1, 2)
	if req == nil || req.PlayerID != 2 || req.SenderPlayerID != 1 {
		t.Fatalf("exchange 1->2: req %+v", req)
	}
	if reply == nil || reply.PlayerID != 1 || reply.Location == nil {
		t.Fatalf("requester answer %+v, want its location", reply)
	}

	if req, reply := e.AuthorizeExchange(1, 9); req != nil || reply == nil || !reply.Empty() {
		t.Fatalf("exchange with unknown player: req %+v", req)
	}
	if req, _ := e.AuthorizeExchange(1, 1); req != nil {
		t.Fatal("self exchange authorized")
	}
}
