package roomsession

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/connection"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/game"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/gametest"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/join"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/notice"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
)

const waitLimit = 2 * time.Second

type joinResult struct {
	outcome join.Outcome
	err     error
}

func openSession(t *testing.T, dialer *gametest.Dialer, store sessionstore.Store, maxAttempts int) *Session {
	t.Helper()
	session, err := Open(Config{
		URL:         "ws://game.test/ws",
		Dialer:      dialer,
		Store:       store,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: maxAttempts,
		DialTimeout: time.Second,
		JoinTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func mustIdentity(t *testing.T, userID int64, code string) sessionstore.Identity {
	t.Helper()
	identity, err := sessionstore.NewIdentity(userID, code)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return identity
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitChannel(t *testing.T, dialer *gametest.Dialer, n int) *gametest.Channel {
	t.Helper()
	waitUntil(t, "dialed channel", func() bool { return len(dialer.Channels()) >= n })
	return dialer.Channels()[n-1]
}

func waitEvent(t *testing.T, stream <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitLimit)
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for session event")
		}
	}
}

// answerJoin accepts the nth joinRoom sent on channel.
func answerJoin(t *testing.T, channel *gametest.Channel, nth int) {
	t.Helper()
	sent := channel.WaitSent(t, transport.EventJoinRoom, nth, waitLimit)
	request := gametest.Decode[gametest.JoinRequest](t, sent[nth-1])
	channel.Deliver(transport.EventJoinRoomResponse, gametest.JoinReply{Success: true, RequestID: request.RequestID})
}

func startJoin(session *Session, identity sessionstore.Identity, opts join.Options) <-chan joinResult {
	results := make(chan joinResult, 1)
	go func() {
		outcome, err := session.Join(context.Background(), identity, opts)
		results <- joinResult{outcome: outcome, err: err}
	}()
	return results
}

func awaitJoin(t *testing.T, results <-chan joinResult) joinResult {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(waitLimit):
		t.Fatal("timed out waiting for join")
		return joinResult{}
	}
}

func joinedSession(t *testing.T, dialer *gametest.Dialer, store sessionstore.Store, maxAttempts int) (*Session, *gametest.Channel) {
	t.Helper()
	session := openSession(t, dialer, store, maxAttempts)
	results := startJoin(session, mustIdentity(t, 2, "ROOM01"), join.Options{})
	channel := waitChannel(t, dialer, 1)
	answerJoin(t, channel, 1)
	if result := awaitJoin(t, results); result.err != nil {
		t.Fatalf("join: %v", result.err)
	}
	waitUntil(t, "connected status", func() bool { return session.Status().State == connection.Connected })
	return session, channel
}

func checkInSnapshot() game.Snapshot {
	giftID := int64(5)
	return game.Snapshot{
		Status: game.StatusCheckIn,
		Owner:  game.UserRef{ID: 1, Name: "Ada"},
		Users: []game.Participant{
			{ID: 1, Name: "Ada", GiftID: &giftID, IsCheckedIn: true},
			{ID: 2, Name: "Bo"},
			{ID: 3, Name: "Cy"},
		},
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	if _, err := Open(Config{URL: "ws://game.test/ws"}); !errors.Is(err, errMissingDialer) {
		t.Fatalf("expected missing dialer, got %v", err)
	}
	if _, err := Open(Config{Dialer: gametest.NewDialer()}); !errors.Is(err, errMissingURL) {
		t.Fatalf("expected missing url, got %v", err)
	}
}

func TestJoinAttachesListenersAndRequestsSnapshot(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session, channel := joinedSession(t, gametest.NewDialer(), store, 5)

	snapshotRequests := channel.Sent(transport.EventGetGameState)
	if len(snapshotRequests) != 1 || string(snapshotRequests[0].Data) != `{"userId":2}` {
		t.Fatalf("expected one snapshot request after joining, got %+v", snapshotRequests)
	}

	channel.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})
	view := session.View()
	if !view.HasSnapshot() || view.UserID != 2 || !view.Permissions.CanAddGift {
		t.Fatalf("unexpected view %+v", view)
	}

	channel.Deliver(transport.EventParticipantCount, map[string]int{"count": 3})
	status := session.Status()
	if status.State != connection.Connected || !status.Joined || status.ParticipantCount != 3 || status.RoomCode != "ROOM01" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Label() != "Connected (3 players connected)" {
		t.Fatalf("unexpected label %q", status.Label())
	}

	identity, ok, err := store.Load(context.Background())
	if err != nil || !ok || identity != mustIdentity(t, 2, "ROOM01") {
		t.Fatalf("expected stored identity, got %+v ok=%v err=%v", identity, ok, err)
	}
}

func TestInitialConnectFailureIsReturnedWithoutRetry(t *testing.T) {
	dialer := gametest.NewDialer()
	dialer.FailNext(1)
	session := openSession(t, dialer, nil, 5)

	_, err := session.Join(context.Background(), mustIdentity(t, 2, "ROOM01"), join.Options{})
	if !clienterr.IsKind(err, clienterr.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if dialer.Calls() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.Calls())
	}
	waitUntil(t, "disconnected status", func() bool { return session.Status().State == connection.Disconnected })
}

func TestJoinRejectionSurfacesProtocolError(t *testing.T) {
	dialer := gametest.NewDialer()
	session := openSession(t, dialer, nil, 5)
	results := startJoin(session, mustIdentity(t, 2, "NOPE"), join.Options{})
	channel := waitChannel(t, dialer, 1)
	sent := channel.WaitSent(t, transport.EventJoinRoom, 1, waitLimit)
	request := gametest.Decode[gametest.JoinRequest](t, sent[0])
	channel.Deliver(transport.EventJoinRoomResponse, gametest.JoinReply{Message: "Room not found", RequestID: request.RequestID})

	result := awaitJoin(t, results)
	if !clienterr.IsKind(result.err, clienterr.KindProtocol) || clienterr.MessageOf(result.err) != "Room not found" {
		t.Fatalf("expected protocol rejection, got %v", result.err)
	}
	if session.Status().Joined {
		t.Fatal("expected not joined after rejection")
	}
	waitUntil(t, "connected status", func() bool { return session.Status().State == connection.Connected })
}

func TestReconnectRejoinsOncePerConnection(t *testing.T) {
	dialer := gametest.NewDialer()
	session, first := joinedSession(t, dialer, nil, 5)

	first.Drop()
	second := waitChannel(t, dialer, 2)
	answerJoin(t, second, 1)
	second.WaitSent(t, transport.EventGetGameState, 1, waitLimit)
	waitUntil(t, "joined after reconnect", func() bool {
		status := session.Status()
		return status.Joined && status.State == connection.Connected
	})

	time.Sleep(30 * time.Millisecond)
	if sent := len(first.Sent(transport.EventJoinRoom)); sent != 1 {
		t.Fatalf("expected one join on the first connection, got %d", sent)
	}
	if sent := len(second.Sent(transport.EventJoinRoom)); sent != 1 {
		t.Fatalf("expected one join on the replacement connection, got %d", sent)
	}
	for _, event := range []string{transport.EventGameStateUpdate, transport.EventParticipantCount, transport.EventJoinRoomResponse} {
		if count := first.ListenerCount(event); count != 0 {
			t.Fatalf("expected %s listeners released on the dropped channel, have %d", event, count)
		}
	}
	if second.ListenerCount(transport.EventGameStateUpdate) != 1 || second.ListenerCount(transport.EventParticipantCount) != 1 {
		t.Fatal("expected exactly one listener per event on the replacement channel")
	}

	second.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})
	if !session.View().HasSnapshot() {
		t.Fatal("expected the replacement channel to feed the reducer")
	}
}

func TestExhaustionRaisesReloadNoticeAndReloadRecovers(t *testing.T) {
	dialer := gametest.NewDialer()
	session, first := joinedSession(t, dialer, nil, 2)
	events, cleanup := session.Events(context.Background())
	defer cleanup()
	first.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})
	if !session.View().HasSnapshot() {
		t.Fatal("expected a snapshot before the drop")
	}

	dialer.FailAlways(nil)
	first.Drop()

	event := waitEvent(t, events, func(event Event) bool { return event.Kind == EventNotice })
	if event.Notice.Severity != notice.SeverityReload {
		t.Fatalf("expected reload notice, got %+v", event.Notice)
	}
	waitUntil(t, "failed status", func() bool { return session.Status().State == connection.Failed })
	status := session.Status()
	if !status.ReloadRequired || status.Joined || !strings.Contains(status.Label(), "reload") {
		t.Fatalf("unexpected failed status %+v", status)
	}

	_, err := session.Join(context.Background(), mustIdentity(t, 2, "ROOM01"), join.Options{})
	if !clienterr.IsKind(err, clienterr.KindExhaustion) {
		t.Fatalf("expected exhaustion while failed, got %v", err)
	}

	dialer.Recover()
	results := make(chan joinResult, 1)
	go func() {
		outcome, err := session.Reload(context.Background())
		results <- joinResult{outcome: outcome, err: err}
	}()
	replacement := waitChannel(t, dialer, 2)
	answerJoin(t, replacement, 1)
	if result := awaitJoin(t, results); result.err != nil {
		t.Fatalf("reload: %v", result.err)
	}
	if status := session.Status(); status.ReloadRequired || !status.Joined {
		t.Fatalf("expected recovered status, got %+v", status)
	}
	if session.View().HasSnapshot() {
		t.Fatal("expected reload to drop the snapshot of the lost connection")
	}
}

func TestGatedActionsFollowPermissions(t *testing.T) {
	session, channel := joinedSession(t, gametest.NewDialer(), nil, 5)
	ctx := context.Background()

	if err := session.AddGift(ctx, "Socks"); !errors.Is(err, ErrActionNotPermitted) {
		t.Fatalf("expected no actions before a snapshot, got %v", err)
	}

	channel.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})
	if err := session.CheckIn(ctx); !errors.Is(err, ErrActionNotPermitted) {
		t.Fatalf("expected check-in to need a gift, got %v", err)
	}
	if err := session.StartGame(ctx); !errors.Is(err, ErrActionNotPermitted) {
		t.Fatalf("expected guest start to be refused, got %v", err)
	}
	if err := session.AddGift(ctx, "Socks"); err != nil {
		t.Fatalf("add gift: %v", err)
	}
	sent := channel.Sent(transport.EventAddGift)
	if len(sent) != 1 || string(sent[0].Data) != `{"userId":2,"giftName":"Socks"}` {
		t.Fatalf("unexpected addGift messages %+v", sent)
	}
	if len(channel.Sent(transport.EventCheckIn)) != 0 || len(channel.Sent(transport.EventStartGame)) != 0 {
		t.Fatal("refused actions must not be sent")
	}
}

func TestActionRejectionBecomesTransientNotice(t *testing.T) {
	session, channel := joinedSession(t, gametest.NewDialer(), nil, 5)
	events, cleanup := session.Events(context.Background())
	defer cleanup()
	channel.RespondTo(transport.EventAddGift, func(json.RawMessage) any {
		return map[string]any{"success": false, "message": "Gift name taken"}
	})
	channel.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})

	if err := session.AddGift(context.Background(), "Socks"); err != nil {
		t.Fatalf("add gift: %v", err)
	}
	event := waitEvent(t, events, func(event Event) bool { return event.Kind == EventNotice })
	if event.Notice.Severity != notice.SeverityTransient || event.Notice.Message != "Gift name taken" {
		t.Fatalf("unexpected notice %+v", event.Notice)
	}
	if status := session.Status(); status.State != connection.Connected || !status.Joined {
		t.Fatalf("a rejected action must not change the connection, got %+v", status)
	}
}

func TestResumeUsesStoredIdentity(t *testing.T) {
	dialer := gametest.NewDialer()
	store := sessionstore.NewMemoryStore()
	if err := store.Save(context.Background(), mustIdentity(t, 7, "ROOM09")); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := openSession(t, dialer, store, 5)

	if _, err := session.Resume(context.Background(), "ROOM01"); !errors.Is(err, ErrNoResumableSession) {
		t.Fatalf("expected no resumable session for another room, got %v", err)
	}
	if dialer.Calls() != 0 {
		t.Fatal("expected no dial for a fresh navigation")
	}

	results := make(chan joinResult, 1)
	go func() {
		outcome, err := session.Resume(context.Background(), " ROOM09 ")
		results <- joinResult{outcome: outcome, err: err}
	}()
	channel := waitChannel(t, dialer, 1)
	sent := channel.WaitSent(t, transport.EventJoinRoom, 1, waitLimit)
	request := gametest.Decode[gametest.JoinRequest](t, sent[0])
	if request.UserID != 7 || request.Code != "ROOM09" {
		t.Fatalf("unexpected resumed join %+v", request)
	}
	channel.Deliver(transport.EventJoinRoomResponse, gametest.JoinReply{Success: true, RequestID: request.RequestID})
	if result := awaitJoin(t, results); result.err != nil {
		t.Fatalf("resume: %v", result.err)
	}
}

func TestLeaveClearsIdentityAndReleasesEverything(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	session, channel := joinedSession(t, gametest.NewDialer(), store, 5)
	channel.Deliver(transport.EventGameStateUpdate, map[string]any{"success": true, "gameState": checkInSnapshot()})

	if err := session.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Fatal("expected identity cleared")
	}
	if !channel.Closed() {
		t.Fatal("expected channel closed")
	}
	if session.View().HasSnapshot() {
		t.Fatal("expected leave to drop the snapshot")
	}
	for _, event := range []string{transport.EventGameStateUpdate, transport.EventParticipantCount, transport.EventJoinRoomResponse} {
		if count := channel.ListenerCount(event); count != 0 {
			t.Fatalf("expected %s listeners released, have %d", event, count)
		}
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := session.Join(context.Background(), mustIdentity(t, 2, "ROOM01"), join.Options{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestCloseCancelsPendingJoin(t *testing.T) {
	dialer := gametest.NewDialer()
	session := openSession(t, dialer, nil, 5)
	results := startJoin(session, mustIdentity(t, 2, "ROOM01"), join.Options{})
	channel := waitChannel(t, dialer, 1)
	channel.WaitSent(t, transport.EventJoinRoom, 1, waitLimit)

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	result := awaitJoin(t, results)
	if result.err == nil {
		t.Fatal("expected pending join to end with an error")
	}
	if channel.ListenerCount(transport.EventJoinRoomResponse) != 0 {
		t.Fatal("expected join listener released")
	}
}
