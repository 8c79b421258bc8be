// Package cli implements the interactive operator console of the relay
// server.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/events"
	"github.com/gridgame-project/gridgame/internal/server"
	"github.com/gridgame-project/gridgame/internal/store"
	"github.com/gridgame-project/gridgame/internal/util"
)

// Relay is the live state shown by the console.
type Relay interface {
	Games() *server.GameDirectory
	Connections() []server.ConnectionInfo
}

// History returns games recorded by the ledger, newest first.
type History interface {
	History(limit int) ([]store.GameRecord, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	relay    Relay
	history  History
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and printing to out.
// history may be nil.
func NewCLI(relay Relay, history History, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		relay:    relay,
		history:  history,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, the input ends or
// quit is entered.
func (c *CLI) Start(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI input failed")
		}
	}()

	fmt.Fprintln(c.out, "\nGridGame relay console. Type 'help' for available commands.")
	for {
		fmt.Fprint(c.out, "gridgame> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute processes a single command and reports whether the console
// should stop.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "clients", "c":
		c.printClients()
	case "games", "g":
		return false, c.printGames(args)
	case "history":
		return false, c.printHistory(args)
	case "verbose", "v":
		return false, c.cmdVerbose(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down relay server...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "")
	fmt.Fprintln(c.out, "  clients            List connected clients")
	fmt.Fprintln(c.out, "  games [id]         List registered games or show one")
	fmt.Fprintln(c.out, "  history [n]        Show the last n recorded games")
	fmt.Fprintln(c.out, "  verbose [on|off]   Toggle debug logging")
	fmt.Fprintln(c.out, "  quit               Shut the server down")
	fmt.Fprintln(c.out, "  help               Show this help message")
	fmt.Fprintln(c.out, "")
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printClients() {
	conns := c.relay.Connections()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "No clients connected")
		return
	}

	tw := c.table([]string{"ID", "Role", "Game", "Remote", "Connected", "Idle"})
	for _, conn := range conns {
		game := "-"
		if conn.GameID != 0 {
			game = strconv.FormatUint(conn.GameID, 10)
		}
		tw.Append([]string{
			strconv.FormatUint(conn.ID, 10),
			conn.Role.String(),
			game,
			conn.Remote,
			conn.ConnectedAt.Format(time.TimeOnly),
			time.Since(conn.LastActivity).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printGames(args []string) error {
	if len(args) > 0 {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid game id: %s", args[0])
		}
		game, ok := c.relay.Games().Get(id)
		if !ok {
			return fmt.Errorf("game %d not found", id)
		}
		c.printGameDetail(game)
		return nil
	}

	games := c.relay.Games().Snapshot()
	if len(games) == 0 {
		fmt.Fprintln(c.out, "No games registered")
		return nil
	}

	tw := c.table([]string{"ID", "Name", "Blue", "Red", "Pending", "Started", "Rounds"})
	for _, g := range games {
		tw.Append([]string{
			strconv.FormatUint(g.ID, 10),
			g.Name,
			fmt.Sprintf("%d/%d", g.Blue, g.MaxBlue),
			fmt.Sprintf("%d/%d", g.Red, g.MaxRed),
			strconv.Itoa(g.Pending),
			strconv.FormatBool(g.Started),
			strconv.Itoa(g.Rounds),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printGameDetail(g server.GameSummary) {
	fmt.Fprintf(c.out, "\n  Game:        %s (%d)\n", g.Name, g.ID)
	fmt.Fprintf(c.out, "  Game master: %d\n", g.GameMasterID)
	fmt.Fprintf(c.out, "  Blue:        %d/%d\n", g.Blue, g.MaxBlue)
	fmt.Fprintf(c.out, "  Red:         %d/%d\n", g.Red, g.MaxRed)
	fmt.Fprintf(c.out, "  Started:     %v\n", g.Started)
	fmt.Fprintf(c.out, "  Rounds:      %d\n", g.Rounds)
	fmt.Fprintf(c.out, "  Registered:  %s\n", g.RegisteredAt.Format(time.RFC3339))
	if len(g.Players) > 0 {
		fmt.Fprintln(c.out, "  Players:")
		for _, id := range g.Players {
			fmt.Fprintf(c.out, "    - %d\n", id)
		}
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("game ledger is not enabled")
	}

	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.history.History(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No games recorded")
		return nil
	}

	tw := c.table([]string{"Game", "Name", "Players", "Rounds", "Joins", "Closed"})
	for _, r := range records {
		closed := "-"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Format(time.TimeOnly) + " " + r.CloseReason
		}
		tw.Append([]string{
			strconv.FormatUint(r.GameID, 10),
			r.Name,
			fmt.Sprintf("%dv%d", r.BluePlayers, r.RedPlayers),
			strconv.Itoa(r.Rounds),
			strconv.Itoa(r.Joins),
			closed,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdVerbose(args []string) error {
	verbose := !util.IsVerbose()
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			verbose = true
		case "off", "false", "0":
			verbose = false
		default:
			return fmt.Errorf("usage: verbose [on|off]")
		}
	}

	util.SetVerbose(verbose)
	if verbose {
		fmt.Fprintln(c.out, "Verbose logging enabled")
	} else {
		fmt.Fprintln(c.out, "Verbose logging disabled")
	}
	return nil
}
