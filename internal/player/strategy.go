package player

import (
	"fmt"
	"math/rand/v2"

	"github.com/gridgame-project/gridgame/internal/protocol"
)

// Kind is the kind of action a Decision asks for.
type Kind int

const (
	KindMove Kind = iota
	KindDiscover
	KindPickUp
	KindTest
	KindPlace
	KindExchange
)

var kindStrings = map[Kind]string{
	KindMove:     "move",
	KindDiscover: "discover",
	KindPickUp:   "pick_up",
	KindTest:     "test",
	KindPlace:    "place",
	KindExchange: "exchange",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Decision is the next action a player takes.
type Decision struct {
	Kind      Kind
	Direction protocol.Direction
	With      uint64
}

func (d Decision) String() string {
	switch d.Kind {
	case KindMove:
		return fmt.Sprintf("move %s", d.Direction)
	case KindExchange:
		return fmt.Sprintf("exchange with %d", d.With)
	}
	return d.Kind.String()
}

// Message builds the action message for d.
func (d Decision) Message(gameID uint64, guid string) protocol.Action {
	header := protocol.ActionHeader{GameID: gameID, PlayerGUID: guid}
	switch d.Kind {
	case KindMove:
		return &protocol.Move{ActionHeader: header, Direction: d.Direction}
	case KindPickUp:
		return &protocol.PickUpPiece{ActionHeader: header}
	case KindTest:
		return &protocol.TestPiece{ActionHeader: header}
	case KindPlace:
		return &protocol.PlacePiece{ActionHeader: header}
	case KindExchange:
		return &protocol.AuthorizeKnowledgeExchange{ActionHeader: header, WithPlayerID: d.With}
	}
	return &protocol.Discover{ActionHeader: header}
}

// Decider chooses a player's next action from its knowledge.
type Decider interface {
	Decide(k *Knowledge) Decision
}

// DefaultDiscoverEvery is the number of moves between two discoveries.
const DefaultDiscoverEvery = 3

// Greedy is the default strategy. It leaves its goal area, walks towards
// the nearest piece, tests what it picks up, drops shams and carries
// normal pieces to the nearest own goal field of unknown type.
type Greedy struct {
	rng           *rand.Rand
	discoverEvery int
	exchangeEvery int

	sinceDiscover int
	sinceExchange int
}

// NewGreedy creates the greedy strategy. A nil rng uses a random seed; an
// exchangeEvery of 0 never asks for knowledge exchanges.
func NewGreedy(rng *rand.Rand, exchangeEvery int) *Greedy {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Greedy{
		rng:           rng,
		discoverEvery: DefaultDiscoverEvery,
		exchangeEvery: exchangeEvery,
	}
}

// Decide implements Decider.
func (g *Greedy) Decide(k *Knowledge) Decision {
	if g.exchangeEvery > 0 {
		g.sinceExchange++
		if mates := k.Teammates(); len(mates) > 0 && g.sinceExchange >= g.exchangeEvery {
			g.sinceExchange = 0
			return Decision{Kind: KindExchange, With: mates[g.rng.IntN(len(mates))]}
		}
	}

	loc := k.Location()
	last, failed := k.LastResult()

	if held, ok := k.Holding(); ok {
		switch held.Type {
		case protocol.PieceUnknown:
			if !(failed && last.Kind == KindTest) {
				return Decision{Kind: KindTest}
			}
			return g.wander(k)
		case protocol.PieceSham:
			if k.Area(loc) == AreaTasks && !k.PieceAt(loc) && !(failed && last.Kind == KindPlace) {
				return Decision{Kind: KindPlace}
			}
			return g.wander(k)
		}
		target := g.goalTarget(k)
		if target == loc {
			return Decision{Kind: KindPlace}
		}
		return g.toward(k, target)
	}

	if k.Area(loc) == AreaOwnGoals {
		if failed && last.Kind == KindMove && last.Direction == k.Forward() {
			return g.wander(k)
		}
		return g.move(k.Forward())
	}
	if k.PieceAt(loc) {
		return Decision{Kind: KindPickUp}
	}
	if _, known := k.Task(loc); !known || g.sinceDiscover >= g.discoverEvery {
		g.sinceDiscover = 0
		return Decision{Kind: KindDiscover}
	}

	if dir, ok := g.closerToPiece(k); ok {
		return g.move(dir)
	}
	return g.wander(k)
}

// goalTarget returns the nearest own goal field whose type is still
// unknown, or the nearest own goal field when all of them are known.
func (g *Greedy) goalTarget(k *Knowledge) protocol.Location {
	loc := k.Location()
	fields := k.OwnGoalFields()

	best, bestDist := fields[0], -1
	for _, f := range fields {
		if gf, ok := k.Goal(f); ok && gf.Type != protocol.GoalFieldUnknown {
			continue
		}
		if d := distance(loc, f); bestDist < 0 || d < bestDist {
			best, bestDist = f, d
		}
	}
	if bestDist >= 0 {
		return best
	}

	for _, f := range fields {
		if d := distance(loc, f); bestDist < 0 || d < bestDist {
			best, bestDist = f, d
		}
	}
	return best
}

// closerToPiece picks the neighbouring task field with the smallest
// reported distance to a piece, when it is closer than the current one.
func (g *Greedy) closerToPiece(k *Knowledge) (protocol.Direction, bool) {
	loc := k.Location()
	here, ok := k.Task(loc)
	if !ok || here.DistanceToPiece < 0 {
		return "", false
	}

	bestDist := here.DistanceToPiece
	var best []protocol.Direction
	for _, dir := range protocol.Directions {
		next := step(loc, dir)
		tf, ok := k.Task(next)
		if !ok || tf.DistanceToPiece < 0 || tf.PlayerID != nil {
			continue
		}
		switch {
		case tf.DistanceToPiece < bestDist:
			bestDist = tf.DistanceToPiece
			best = append(best[:0], dir)
		case tf.DistanceToPiece == bestDist && len(best) > 0:
			best = append(best, dir)
		}
	}
	if len(best) == 0 {
		return "", false
	}
	return best[g.rng.IntN(len(best))], true
}

// toward steps towards target, along the longer axis first. After a
// blocked move it tries the other axis or a random direction.
func (g *Greedy) toward(k *Knowledge, target protocol.Location) Decision {
	loc := k.Location()
	dx, dy := target.X-loc.X, target.Y-loc.Y

	var dirs []protocol.Direction
	horizontal := protocol.DirectionRight
	if dx < 0 {
		horizontal = protocol.DirectionLeft
	}
	vertical := protocol.DirectionUp
	if dy < 0 {
		vertical = protocol.DirectionDown
	}
	switch {
	case abs(dx) >= abs(dy) && dx != 0:
		dirs = append(dirs, horizontal)
		if dy != 0 {
			dirs = append(dirs, vertical)
		}
	case dy != 0:
		dirs = append(dirs, vertical)
		if dx != 0 {
			dirs = append(dirs, horizontal)
		}
	}

	if last, failed := k.LastResult(); failed && last.Kind == KindMove && len(dirs) > 0 && last.Direction == dirs[0] {
		if len(dirs) > 1 {
			return g.move(dirs[1])
		}
		return g.wander(k)
	}
	if len(dirs) == 0 {
		return g.wander(k)
	}
	return g.move(dirs[0])
}

// wander moves in a random direction that stays on the board and out of
// the enemy goal area, other than the one that was just blocked.
func (g *Greedy) wander(k *Knowledge) Decision {
	loc := k.Location()
	last, failed := k.LastResult()
	blocked := failed && last.Kind == KindMove

	var options []protocol.Direction
	for _, dir := range protocol.Directions {
		if blocked && dir == last.Direction {
			continue
		}
		area := k.Area(step(loc, dir))
		if area != AreaOutside && area != AreaEnemyGoals {
			options = append(options, dir)
		}
	}
	if len(options) == 0 {
		return Decision{Kind: KindDiscover}
	}
	return g.move(options[g.rng.IntN(len(options))])
}

func (g *Greedy) move(dir protocol.Direction) Decision {
	g.sinceDiscover++
	return Decision{Kind: KindMove, Direction: dir}
}

func step(loc protocol.Location, dir protocol.Direction) protocol.Location {
	dx, dy := dir.Delta()
	return protocol.Location{X: loc.X + dx, Y: loc.Y + dy}
}

func distance(a, b protocol.Location) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
