// Package player implements the player agent: its partial knowledge of
// the board, the decision strategy and the connection loop that joins a
// game and plays it.
package player

import (
	"sort"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

// Area is a horizontal band of the board as seen by one team.
type Area int

const (
	AreaOutside Area = iota
	AreaOwnGoals
	AreaTasks
	AreaEnemyGoals
)

// Knowledge is a player's sparse, timestamped view of the board. It only
// changes through the messages the player receives and never shares state
// with the game master's board.
type Knowledge struct {
	playerID uint64
	gameID   uint64
	guid     string
	team     protocol.Team
	role     protocol.PlayerRole

	board    protocol.BoardInfo
	players  []protocol.PlayerDefinition
	location protocol.Location

	tasks  map[protocol.Location]protocol.TaskField
	goals  map[protocol.Location]protocol.GoalField
	pieces map[uint64]protocol.Piece

	holding uint64

	last       Decision
	lastFailed bool
	turns      int
}

// NewKnowledge starts an empty view for the player confirmed by confirm.
func NewKnowledge(confirm *protocol.ConfirmJoiningGame) *Knowledge {
	return &Knowledge{
		playerID: confirm.PlayerID,
		gameID:   confirm.GameID,
		guid:     confirm.PrivateGUID,
		team:     confirm.Definition.Team,
		role:     confirm.Definition.Role,
		tasks:    make(map[protocol.Location]protocol.TaskField),
		goals:    make(map[protocol.Location]protocol.GoalField),
		pieces:   make(map[uint64]protocol.Piece),
	}
}

func (k *Knowledge) PlayerID() uint64            { return k.playerID }
func (k *Knowledge) GameID() uint64              { return k.gameID }
func (k *Knowledge) GUID() string                { return k.guid }
func (k *Knowledge) Team() protocol.Team         { return k.team }
func (k *Knowledge) Role() protocol.PlayerRole   { return k.role }
func (k *Knowledge) Board() protocol.BoardInfo   { return k.board }
func (k *Knowledge) Location() protocol.Location { return k.location }

// Turns returns the number of answered actions.
func (k *Knowledge) Turns() int { return k.turns }

// LastResult returns the last answered decision and whether it had no
// effect.
func (k *Knowledge) LastResult() (Decision, bool) {
	return k.last, k.lastFailed
}

// Teammates returns the ids of the other players of the team.
func (k *Knowledge) Teammates() []uint64 {
	var ids []uint64
	for _, p := range k.players {
		if p.Team == k.team && p.ID != k.playerID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// IsTeammate reports whether id plays in the same team.
func (k *Knowledge) IsTeammate(id uint64) bool {
	for _, mate := range k.Teammates() {
		if mate == id {
			return true
		}
	}
	return false
}

// ApplyGame loads a round snapshot.
func (k *Knowledge) ApplyGame(g *protocol.Game) {
	k.board = g.Board
	k.players = append(k.players[:0], g.Players...)
	if g.Location != nil {
		k.location = *g.Location
	}
	for _, p := range g.Players {
		if p.ID == k.playerID {
			k.team = p.Team
			k.role = p.Role
		}
	}
}

// ApplyReveal merges the game master's answer to one of the player's own
// actions. Newer reports replace older ones field by field.
func (k *Knowledge) ApplyReveal(d *protocol.Data) {
	if d.Location != nil {
		k.location = *d.Location
	}
	k.merge(d)

	for _, p := range d.Pieces {
		switch {
		case p.PlayerID != nil && *p.PlayerID == k.playerID:
			k.holding = p.ID
		case p.ID == k.holding && p.PlayerID == nil:
			k.holding = 0
		}
	}
}

// Merge folds knowledge received from a team mate into k. The mate's
// location and held piece do not affect the player's own.
func (k *Knowledge) Merge(d *protocol.Data) {
	k.merge(d)
}

// Record applies the answer to decision dec and remembers its outcome.
func (k *Knowledge) Record(dec Decision, d *protocol.Data) {
	before := k.location
	k.ApplyReveal(d)
	k.turns++
	k.last = dec

	switch dec.Kind {
	case KindMove:
		k.lastFailed = k.location == before
	case KindPickUp:
		k.lastFailed = d.Empty()
		if k.lastFailed {
			k.clearPiece(k.location)
		}
	case KindPlace:
		if k.Area(k.location) == AreaTasks {
			k.lastFailed = d.Empty()
		} else {
			// Placed in a goal area: the piece is gone either way.
			k.holding = 0
			k.lastFailed = false
		}
	case KindTest:
		k.lastFailed = d.Empty()
	default:
		k.lastFailed = false
	}
}

func (k *Knowledge) merge(d *protocol.Data) {
	for _, tf := range d.TaskFields {
		loc := protocol.Location{X: tf.X, Y: tf.Y}
		if old, ok := k.tasks[loc]; ok && tf.Timestamp.Before(old.Timestamp) {
			continue
		}
		k.tasks[loc] = tf
	}

	for _, gf := range d.GoalFields {
		loc := protocol.Location{X: gf.X, Y: gf.Y}
		old, ok := k.goals[loc]
		switch {
		case !ok:
			k.goals[loc] = gf
		case gf.Timestamp.Before(old.Timestamp):
			if old.Type == protocol.GoalFieldUnknown && gf.Type != protocol.GoalFieldUnknown {
				old.Type = gf.Type
				k.goals[loc] = old
			}
		default:
			if gf.Type == protocol.GoalFieldUnknown {
				gf.Type = old.Type
			}
			k.goals[loc] = gf
		}
	}

	for _, p := range d.Pieces {
		old, ok := k.pieces[p.ID]
		switch {
		case !ok:
			k.pieces[p.ID] = p
		case p.Timestamp.Before(old.Timestamp):
			if old.Type == protocol.PieceUnknown && p.Type != protocol.PieceUnknown {
				old.Type = p.Type
				k.pieces[p.ID] = old
			}
		default:
			if p.Type == protocol.PieceUnknown {
				p.Type = old.Type
			}
			k.pieces[p.ID] = p
		}
	}
}

func (k *Knowledge) clearPiece(loc protocol.Location) {
	if tf, ok := k.tasks[loc]; ok {
		tf.PieceID = nil
		k.tasks[loc] = tf
	}
}

// Export returns everything the player knows as a Data addressed to
// recipient, for a knowledge exchange. It never carries a location.
func (k *Knowledge) Export(recipient uint64) *protocol.Data {
	d := &protocol.Data{PlayerID: recipient}
	for _, tf := range k.tasks {
		d.TaskFields = append(d.TaskFields, tf)
	}
	for _, gf := range k.goals {
		d.GoalFields = append(d.GoalFields, gf)
	}
	for _, p := range k.pieces {
		d.Pieces = append(d.Pieces, p)
	}

	sort.Slice(d.TaskFields, func(i, j int) bool {
		return less(d.TaskFields[i].X, d.TaskFields[i].Y, d.TaskFields[j].X, d.TaskFields[j].Y)
	})
	sort.Slice(d.GoalFields, func(i, j int) bool {
		return less(d.GoalFields[i].X, d.GoalFields[i].Y, d.GoalFields[j].X, d.GoalFields[j].Y)
	})
	sort.Slice(d.Pieces, func(i, j int) bool { return d.Pieces[i].ID < d.Pieces[j].ID })
	return d
}

func less(x1, y1, x2, y2 int) bool {
	if y1 != y2 {
		return y1 < y2
	}
	return x1 < x2
}

// Task returns the last report of the task field at loc.
func (k *Knowledge) Task(loc protocol.Location) (protocol.TaskField, bool) {
	tf, ok := k.tasks[loc]
	return tf, ok
}

// Goal returns the last report of the goal field at loc.
func (k *Knowledge) Goal(loc protocol.Location) (protocol.GoalField, bool) {
	gf, ok := k.goals[loc]
	return gf, ok
}

// PieceAt reports whether a piece was last seen lying on loc.
func (k *Knowledge) PieceAt(loc protocol.Location) bool {
	tf, ok := k.tasks[loc]
	return ok && tf.PieceID != nil
}

// Holding returns the piece the player carries.
func (k *Knowledge) Holding() (protocol.Piece, bool) {
	if k.holding == 0 {
		return protocol.Piece{}, false
	}
	p, ok := k.pieces[k.holding]
	if !ok {
		p = protocol.Piece{ID: k.holding, Type: protocol.PieceUnknown}
	}
	return p, true
}

// Area classifies loc relative to the player's team.
func (k *Knowledge) Area(loc protocol.Location) Area {
	b := k.board
	if loc.X < 0 || loc.X >= b.Width || loc.Y < 0 || loc.Y >= 2*b.GoalsHeight+b.TasksHeight {
		return AreaOutside
	}

	blue := loc.Y < b.GoalsHeight
	red := loc.Y >= b.GoalsHeight+b.TasksHeight
	switch {
	case blue && k.team == protocol.TeamBlue, red && k.team == protocol.TeamRed:
		return AreaOwnGoals
	case blue, red:
		return AreaEnemyGoals
	}
	return AreaTasks
}

// OwnGoalFields lists the fields of the player's goal area, nearest to
// the task area first.
func (k *Knowledge) OwnGoalFields() []protocol.Location {
	b := k.board
	var fields []protocol.Location
	for i := 0; i < b.GoalsHeight; i++ {
		y := b.GoalsHeight - 1 - i
		if k.team == protocol.TeamRed {
			y = b.GoalsHeight + b.TasksHeight + i
		}
		for x := 0; x < b.Width; x++ {
			fields = append(fields, protocol.Location{X: x, Y: y})
		}
	}
	return fields
}

// Forward is the direction from the player's goal area towards the task
// area.
func (k *Knowledge) Forward() protocol.Direction {
	if k.team == protocol.TeamRed {
		return protocol.DirectionDown
	}
	return protocol.DirectionUp
}
