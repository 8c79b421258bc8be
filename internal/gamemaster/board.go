// Package gamemaster implements the authoritative game engine and the game
// master process that registers a game with the relay and plays it.
package gamemaster

import (
	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/protocol"
)

// Point is a board coordinate.
type Point struct {
	X, Y int
}

func (p Point) step(d protocol.Direction) Point {
	dx, dy := d.Delta()
	return Point{X: p.X + dx, Y: p.Y + dy}
}

func manhattan(a, b Point) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

// Band is a horizontal section of the board.
type Band int

const (
	BandOutside Band = iota
	BandBlueGoals
	BandTasks
	BandRedGoals
)

type taskField struct {
	occupant uint64
	pieceID  uint64
	distance int
}

type goalField struct {
	team      protocol.Team
	kind      protocol.GoalFieldType
	occupant  uint64
	completed bool
}

type piece struct {
	id       uint64
	kind     protocol.PieceType
	at       Point
	onBoard  bool
	holder   uint64
	consumed bool
}

// Board is the authoritative board of one round. The blue goal band is at
// the bottom (low y), the red goal band at the top. Every coordinate is
// either a task field or a goal field. Board is not safe for concurrent
// use; the Engine serializes access.
type Board struct {
	width      int
	taskHeight int
	goalHeight int

	tasks  map[Point]*taskField
	goals  map[Point]*goalField
	pieces map[uint64]*piece

	nextPieceID uint64
	goalCount   map[protocol.Team]int
}

// NewBoard lays out a fresh board for cfg. Goal-band fields not listed in
// cfg.Goals are non-goals.
func NewBoard(cfg config.GameConfig) *Board {
	b := &Board{
		width:      cfg.BoardWidth,
		taskHeight: cfg.TaskAreaLength,
		goalHeight: cfg.GoalAreaLength,
		tasks:      make(map[Point]*taskField),
		goals:      make(map[Point]*goalField),
		pieces:     make(map[uint64]*piece),
		goalCount:  make(map[protocol.Team]int),
	}

	for y := 0; y < b.Height(); y++ {
		for x := 0; x < b.width; x++ {
			p := Point{X: x, Y: y}
			switch b.Band(p) {
			case BandTasks:
				b.tasks[p] = &taskField{distance: -1}
			case BandBlueGoals:
				b.goals[p] = &goalField{team: protocol.TeamBlue, kind: protocol.GoalFieldNonGoal}
			case BandRedGoals:
				b.goals[p] = &goalField{team: protocol.TeamRed, kind: protocol.GoalFieldNonGoal}
			}
		}
	}

	for _, g := range cfg.Goals {
		field, ok := b.goals[Point{X: g.X, Y: g.Y}]
		if !ok || field.team != g.Team || field.kind == protocol.GoalFieldGoal {
			continue
		}
		field.kind = protocol.GoalFieldGoal
		b.goalCount[g.Team]++
	}
	return b
}

// Height returns the total number of rows.
func (b *Board) Height() int {
	return 2*b.goalHeight + b.taskHeight
}

// Info returns the board dimensions as sent to players.
func (b *Board) Info() protocol.BoardInfo {
	return protocol.BoardInfo{Width: b.width, TasksHeight: b.taskHeight, GoalsHeight: b.goalHeight}
}

// Band returns the band p lies in.
func (b *Board) Band(p Point) Band {
	switch {
	case p.X < 0 || p.X >= b.width || p.Y < 0 || p.Y >= b.Height():
		return BandOutside
	case p.Y < b.goalHeight:
		return BandBlueGoals
	case p.Y < b.goalHeight+b.taskHeight:
		return BandTasks
	default:
		return BandRedGoals
	}
}

// GoalBand returns the goal band of team.
func GoalBand(team protocol.Team) Band {
	if team == protocol.TeamBlue {
		return BandBlueGoals
	}
	return BandRedGoals
}

// InBounds reports whether p is on the board.
func (b *Board) InBounds(p Point) bool {
	return b.Band(p) != BandOutside
}

// GoalFields returns the number of true goal fields of team.
func (b *Board) GoalFields(team protocol.Team) int {
	return b.goalCount[team]
}

func (b *Board) occupant(p Point) uint64 {
	if t, ok := b.tasks[p]; ok {
		return t.occupant
	}
	if g, ok := b.goals[p]; ok {
		return g.occupant
	}
	return 0
}

func (b *Board) setOccupant(p Point, playerID uint64) {
	if t, ok := b.tasks[p]; ok {
		t.occupant = playerID
		return
	}
	if g, ok := b.goals[p]; ok {
		g.occupant = playerID
	}
}

// freeBandFields returns the unoccupied fields of band in row-major order.
func (b *Board) freeBandFields(band Band) []Point {
	var out []Point
	for y := 0; y < b.Height(); y++ {
		for x := 0; x < b.width; x++ {
			p := Point{X: x, Y: y}
			if b.Band(p) == band && b.occupant(p) == 0 {
				out = append(out, p)
			}
		}
	}
	return out
}

// freeTaskFields returns task fields holding neither a piece nor a player,
// in row-major order.
func (b *Board) freeTaskFields() []Point {
	var out []Point
	for y := b.goalHeight; y < b.goalHeight+b.taskHeight; y++ {
		for x := 0; x < b.width; x++ {
			t := b.tasks[Point{X: x, Y: y}]
			if t.occupant == 0 && t.pieceID == 0 {
				out = append(out, Point{X: x, Y: y})
			}
		}
	}
	return out
}

// piecesOnBoard counts pieces lying on task fields.
func (b *Board) piecesOnBoard() int {
	n := 0
	for _, pc := range b.pieces {
		if pc.onBoard {
			n++
		}
	}
	return n
}

// addPiece puts a new piece on the free task field at p.
func (b *Board) addPiece(kind protocol.PieceType, p Point) *piece {
	b.nextPieceID++
	pc := &piece{id: b.nextPieceID, kind: kind, at: p, onBoard: true}
	b.pieces[pc.id] = pc

	field := b.tasks[p]
	field.pieceID = pc.id
	b.updateDistances()
	return pc
}

// lift moves the piece lying at p into the hands of playerID.
func (b *Board) lift(p Point, playerID uint64) *piece {
	field, ok := b.tasks[p]
	if !ok || field.pieceID == 0 {
		return nil
	}
	pc := b.pieces[field.pieceID]
	field.pieceID = 0

	pc.onBoard = false
	pc.holder = playerID
	b.updateDistances()
	return pc
}

// drop lays a held piece on the empty task field at p.
func (b *Board) drop(pc *piece, p Point) bool {
	field, ok := b.tasks[p]
	if !ok || field.pieceID != 0 {
		return false
	}
	field.pieceID = pc.id

	pc.holder = 0
	pc.at = p
	pc.onBoard = true
	b.updateDistances()
	return true
}

// consume removes a held piece from the game.
func (b *Board) consume(pc *piece) {
	pc.holder = 0
	pc.onBoard = false
	pc.consumed = true
}

// updateDistances recomputes the Manhattan distance from every task field
// to the nearest piece lying on the board, or -1 when there is none.
func (b *Board) updateDistances() {
	var lying []Point
	for _, pc := range b.pieces {
		if pc.onBoard {
			lying = append(lying, pc.at)
		}
	}

	for p, field := range b.tasks {
		d := -1
		for _, at := range lying {
			if m := manhattan(p, at); d < 0 || m < d {
				d = m
			}
		}
		field.distance = d
	}
}
