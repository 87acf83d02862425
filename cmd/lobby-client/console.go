package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/battle"
	"github.com/park285/pet-lobby-client/internal/chat"
	appcfg "github.com/park285/pet-lobby-client/internal/config"
	"github.com/park285/pet-lobby-client/internal/invite"
	"github.com/park285/pet-lobby-client/internal/lobby"
	"github.com/park285/pet-lobby-client/internal/msgcat"
	"github.com/park285/pet-lobby-client/internal/presence"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

// console prints lobby events and runs line commands from stdin.
type console struct {
	client *lobby.Client
	cat    *msgcat.Catalog
	logger *zap.Logger

	mu      sync.Mutex
	out     io.Writer
	settled map[string]bool
}

func runConsole(lc fx.Lifecycle, sd fx.Shutdowner, cfg *appcfg.AppConfig, client *lobby.Client, cat *msgcat.Catalog, logger *zap.Logger) {
	con := &console{client: client, cat: cat, logger: logger, out: os.Stdout, settled: make(map[string]bool)}
	con.subscribe(sd)

	lc.Append(fx.StartHook(func() {
		local := client.LocalStats()
		con.print(msgcat.KeyConnected, map[string]any{
			"Endpoint": cfg.WSURL, "Name": cfg.DisplayName, "Energy": local.Energy, "Score": local.Score,
		}, "connected")
		go con.readLoop(os.Stdin, sd)
	}))
}

func (con *console) subscribe(sd fx.Shutdowner) {
	c := con.client
	c.OnPresenceChanged(func(ch presence.Change) {
		if ch.Kind == presence.ChangeSnapshot {
			con.print(msgcat.KeyRoster, map[string]any{"Count": len(c.Players())}, "roster updated")
		}
	})
	c.OnIncomingInvite(func(inv invite.Invite) {
		con.print(msgcat.KeyInviteIncoming, map[string]any{
			"Name": con.name(inv.PeerID), "Kind": inv.Kind, "ID": inv.ID,
		}, "invite "+inv.ID)
	})
	c.OnInviteOutcome(func(inv invite.Invite) {
		con.print(msgcat.KeyInviteOutcome, map[string]any{
			"Kind": inv.Kind, "Name": con.name(inv.PeerID), "State": inv.State, "Reason": inv.Reason,
		}, "invite "+string(inv.State))
	})
	c.OnBattleStateChanged(func(ev battle.Event) {
		con.print(msgcat.KeyBattleState, map[string]any{"ID": ev.Battle.ID, "From": ev.From, "To": ev.To}, "battle "+string(ev.To))
	})
	c.OnBattleScores(func(b battle.Battle) {
		if b.Outcome() == battle.OutcomePending {
			return
		}
		con.mu.Lock()
		seen := con.settled[b.ID]
		con.settled[b.ID] = true
		con.mu.Unlock()
		if seen {
			return
		}
		con.print(msgcat.KeyBattleSettled, map[string]any{
			"ID": b.ID, "Mine": b.MyScore, "Theirs": b.OpponentScore, "Outcome": b.Outcome(),
		}, "battle over")
	})
	c.OnChatMessage(func(m chat.Message) {
		con.print(msgcat.KeyChatLine, map[string]any{"Name": con.name(m.PeerID), "Content": m.Content}, m.Content)
	})
	c.OnDisconnected(func(err error) {
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		con.print(msgcat.KeyDisconnected, map[string]any{"Reason": reason}, "disconnected")
		if err != nil {
			_ = sd.Shutdown(fx.ExitCode(1))
		}
	})
}

func (con *console) readLoop(r io.Reader, sd fx.Shutdowner) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msg, err := con.exec(ctx, line)
		cancel()
		if err != nil {
			con.println("error: " + err.Error())
			continue
		}
		if msg != "" {
			con.println(msg)
		}
	}
	_ = sd.Shutdown()
}

// exec runs one command line and returns the text to show.
func (con *console) exec(ctx context.Context, line string) (string, error) {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	c := con.client

	switch cmd {
	case "help":
		return helpText(), nil
	case "who":
		var b strings.Builder
		for _, p := range c.Players() {
			fmt.Fprintf(&b, "%d %s energy=%d score=%d at (%.0f, %.0f)\n", p.ID, p.DisplayName, p.Energy, p.Score, p.X, p.Y)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "top":
		n := 10
		if len(args) > 0 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		rows := make([]string, 0, n)
		for i, p := range c.Leaderboard(n) {
			rows = append(rows, con.cat.RenderOr(msgcat.KeyLeaderboardRow,
				map[string]any{"Rank": i + 1, "Name": p.DisplayName, "Score": p.Score},
				fmt.Sprintf("%d. %s %d", i+1, p.DisplayName, p.Score)))
		}
		return strings.Join(rows, "\n"), nil
	case "me":
		local := c.LocalStats()
		return fmt.Sprintf("energy=%d score=%d", local.Energy, local.Score), nil
	case "move":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: move <x> <y>")
		}
		x, errX := strconv.ParseFloat(args[0], 64)
		y, errY := strconv.ParseFloat(args[1], 64)
		if errX != nil || errY != nil {
			return "", fmt.Errorf("bad coordinates")
		}
		_, err := c.PublishPosition(ctx, x, y)
		return "", err
	case "invite":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: invite <battle|chat> <player id>")
		}
		kind := protocol.Kind(strings.ToLower(args[0]))
		peer, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad player id %q", args[1])
		}
		inv, err := c.RequestInvite(ctx, kind, peer)
		if err != nil {
			return con.cat.RenderOr(msgcat.KeyInviteRefused, map[string]any{"Kind": kind, "Err": err.Error()}, err.Error()), nil
		}
		return "invite sent: " + inv.ID, nil
	case "accept", "reject":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: %s <invite id>", cmd)
		}
		_, err := c.RespondInvite(ctx, args[0], cmd == "accept")
		return "", err
	case "cancel":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: cancel <invite id>")
		}
		_, err := c.CancelInvite(ctx, args[0])
		return "", err
	case "invites":
		var rows []string
		for _, inv := range c.PendingInvites() {
			rows = append(rows, fmt.Sprintf("%s %s %s %s", inv.ID, inv.Direction, inv.Kind, con.name(inv.PeerID)))
		}
		return strings.Join(rows, "\n"), nil
	case "say":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: say <player id> <text>")
		}
		peer, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad player id %q", args[0])
		}
		return "", c.SendChat(ctx, peer, strings.Join(args[1:], " "))
	case "ready":
		return "", c.MarkBattleReady(ctx)
	case "score", "end":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: %s <points>", cmd)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("bad points %q", args[0])
		}
		if cmd == "score" {
			return "", c.ReportLocalBattleScore(ctx, n)
		}
		return "", c.ReportRoundEnded(ctx, n)
	case "battle":
		b, ok := c.Battle()
		if !ok {
			return "no battle", nil
		}
		return fmt.Sprintf("%s vs %s: %s %d-%d %s", b.ID, con.name(b.OpponentID), b.State, b.MyScore, b.OpponentScore, b.Outcome()), nil
	default:
		return "", fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func helpText() string {
	return strings.Join([]string{
		"who | top [n] | me",
		"move <x> <y>",
		"invite <battle|chat> <id> | invites | accept <invite> | reject <invite> | cancel <invite>",
		"say <id> <text>",
		"ready | score <points> | end <final> | battle",
		"quit",
	}, "\n")
}

func (con *console) name(id int64) string {
	if p, ok := con.client.Player(id); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return strconv.FormatInt(id, 10)
}

func (con *console) print(key string, data map[string]any, fallback string) {
	line, err := con.cat.Render(key, data)
	if err != nil {
		con.logger.Debug("msgcat_render_failed", zap.String("key", key), zap.Error(err))
		line = fallback
	}
	con.println(line)
}

func (con *console) println(s string) {
	con.mu.Lock()
	defer con.mu.Unlock()
	fmt.Fprintln(con.out, s)
}
