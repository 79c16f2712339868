package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/actions"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/game"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/notice"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/roomsession"
	"golang.org/x/sync/errgroup"
)

const helpText = `Commands:
  gift <name>   add your gift
  checkin       check in
  open          open check-in (owner)
  start         start the game (owner)
  pick <id>     pick an unclaimed gift on your turn
  steal <id>    steal a gift on your turn
  state         show the game
  status        show the connection
  reload        reconnect after the connection was lost
  quit          leave the interactive loop`

// play runs the interactive loop until quit, end of input or ctx is done.
func play(ctx context.Context, session *roomsession.Session, in io.Reader, out io.Writer) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	out = &syncWriter{w: out}

	lines := make(chan string)
	go scanLines(ctx, in, lines)

	group, groupCtx := errgroup.WithContext(ctx)
	events, cleanup := session.Events(groupCtx)
	group.Go(func() error {
		defer cleanup()
		printEvents(groupCtx, events, out)
		return nil
	})
	group.Go(func() error {
		defer stop()
		return readCommands(groupCtx, session, lines, out)
	})
	fmt.Fprintln(out, helpText)
	return group.Wait()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func readCommands(ctx context.Context, session *roomsession.Session, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, session, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", describe(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, session *roomsession.Session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	command, args := strings.ToLower(fields[0]), fields[1:]
	switch command {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(out, helpText)
		return false, nil
	case "gift":
		if len(args) == 0 {
			return false, errors.New("usage: gift <name>")
		}
		return false, session.AddGift(ctx, strings.Join(args, " "))
	case "checkin":
		return false, session.CheckIn(ctx)
	case "open":
		return false, session.StartChecking(ctx)
	case "start":
		return false, session.StartGame(ctx)
	case "pick", "steal":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s <gift id>", command)
		}
		giftID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("gift id must be a number")
		}
		if command == "pick" {
			return false, session.PickGift(ctx, giftID)
		}
		return false, session.StealGift(ctx, giftID)
	case "state":
		fmt.Fprint(out, renderView(session.View()))
		return false, nil
	case "status":
		fmt.Fprintln(out, session.Status().Label())
		return false, nil
	case "reload":
		_, err := session.Reload(ctx)
		return false, err
	default:
		return false, fmt.Errorf("unknown command %q, try help", command)
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, roomsession.ErrActionNotPermitted):
		return "that is not allowed right now"
	case errors.Is(err, actions.ErrNotReady):
		return "not connected to the room"
	default:
		return err.Error()
	}
}

func printEvents(ctx context.Context, events <-chan roomsession.Event, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case roomsession.EventStatus:
				fmt.Fprintf(out, "[connection] %s\n", event.Status.Label())
			case roomsession.EventView:
				if event.View.HasSnapshot() {
					fmt.Fprint(out, renderView(event.View))
				}
			case roomsession.EventNotice:
				fmt.Fprintf(out, "[%s] %s\n", event.Notice.Title, event.Notice.Message)
				if event.Notice.Severity == notice.SeverityReload {
					fmt.Fprintln(out, "Type reload to try again.")
				}
			}
		}
	}
}

func renderView(view game.View) string {
	if !view.HasSnapshot() {
		return "No game state yet.\n"
	}
	snapshot := view.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, "Game %s, owner %s\n", snapshot.Status, snapshot.Owner.Name)

	for _, participant := range snapshot.Users {
		marks := make([]string, 0, 3)
		if participant.ID == view.UserID {
			marks = append(marks, "you")
		}
		if participant.IsCheckedIn {
			marks = append(marks, "checked in")
		}
		if snapshot.CurrentTurn != nil && *snapshot.CurrentTurn == participant.ID {
			marks = append(marks, "turn")
		}
		fmt.Fprintf(&b, "  player %d %s", participant.ID, participant.Name)
		if len(marks) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(marks, ", "))
		}
		b.WriteString("\n")
	}

	if view.Permissions.CanShowGiftList {
		for _, gift := range snapshot.Gifts {
			holder := "unclaimed"
			if gift.ReceivedByID != nil {
				if participant, ok := snapshot.Participant(*gift.ReceivedByID); ok {
					holder = "held by " + participant.Name
				}
			}
			if gift.IsLocked {
				holder += ", locked"
			}
			fmt.Fprintf(&b, "  gift %d %s (%s, stolen %d)\n", gift.ID, gift.Name, holder, gift.StolenCount)
		}
	}

	permissions := view.Permissions
	switch {
	case permissions.ShowMinimumParticipants:
		b.WriteString("Waiting for at least 3 players.\n")
	case permissions.CanShowWaitingToStart:
		b.WriteString("Everyone is checked in. Waiting for the owner to start.\n")
	}
	hints := make([]string, 0, 6)
	if permissions.CanAddGift {
		hints = append(hints, "gift")
	}
	if permissions.CanCheckIn {
		hints = append(hints, "checkin")
	}
	if permissions.CanStartChecking {
		hints = append(hints, "open")
	}
	if permissions.CanShowStartButton {
		hints = append(hints, "start")
	}
	if permissions.CanPickGift {
		hints = append(hints, "pick "+giftIDs(game.PickableGifts(snapshot, view.UserID)))
	}
	if permissions.CanStealGift {
		hints = append(hints, "steal "+giftIDs(game.StealableGifts(snapshot, view.UserID)))
	}
	if len(hints) > 0 {
		fmt.Fprintf(&b, "You can: %s\n", strings.Join(hints, ", "))
	}
	if count := len(snapshot.Logs); count > 0 {
		fmt.Fprintf(&b, "Last: %s\n", snapshot.Logs[count-1].Action)
	}
	return b.String()
}

func giftIDs(gifts []game.Gift) string {
	ids := make([]string, 0, len(gifts))
	for _, gift := range gifts {
		ids = append(ids, strconv.FormatInt(gift.ID, 10))
	}
	return "[" + strings.Join(ids, " ") + "]"
}
