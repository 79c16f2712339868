package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/gametest"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
)

func mustDial(t *testing.T, server *gametest.Server, dialer *transport.WebSocketDialer) transport.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel, err := dialer.Dial(ctx, server.WSURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	return channel
}

func TestWebSocketChannelDeliversEventsInOrder(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	channel := mustDial(t, server, &transport.WebSocketDialer{})
	server.WaitConnections(t, 1, time.Second)

	received := make(chan int, 3)
	channel.On(transport.EventParticipantCount, func(payload json.RawMessage) {
		var body struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		received <- body.Count
	})

	for count := 1; count <= 3; count++ {
		server.Broadcast(transport.EventParticipantCount, map[string]int{"count": count})
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected count %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for count %d", want)
		}
	}
}

func TestWebSocketChannelEmitReachesServer(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	channel := mustDial(t, server, &transport.WebSocketDialer{})

	if err := channel.Emit(context.Background(), transport.EventGetGameState, map[string]int64{"userId": 7}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	received := server.WaitReceived(t, transport.EventGetGameState, 1, time.Second)
	body := gametest.Decode[map[string]int64](t, received[0])
	if body["userId"] != 7 {
		t.Fatalf("expected userId 7, got %v", body)
	}
}

func TestWebSocketChannelAcknowledgement(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	server.Handle(transport.EventPickGift, func(conn *gametest.ServerConn, envelope transport.Envelope) {
		_ = conn.Ack(envelope, map[string]any{"success": false, "message": "not your turn"})
	})
	channel := mustDial(t, server, &transport.WebSocketDialer{})

	results := make(chan transport.AckResult, 1)
	err := channel.EmitWithAck(context.Background(), transport.EventPickGift, map[string]int64{"userId": 1, "giftId": 2},
		func(payload json.RawMessage, err error) {
			if err != nil {
				t.Errorf("unexpected ack error: %v", err)
				return
			}
			result, decodeErr := transport.DecodeAck(payload)
			if decodeErr != nil {
				t.Errorf("decode ack: %v", decodeErr)
				return
			}
			results <- result
		})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case result := <-results:
		if !result.Failed() || result.Message != "not your turn" {
			t.Fatalf("unexpected ack %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("expected acknowledgement")
	}
}

func TestWebSocketChannelAckTimeout(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	server.Handle(transport.EventStartGame, func(*gametest.ServerConn, transport.Envelope) {})
	channel := mustDial(t, server, &transport.WebSocketDialer{AckTimeout: 50 * time.Millisecond})

	errs := make(chan error, 1)
	if err := channel.EmitWithAck(context.Background(), transport.EventStartGame, map[string]int64{"userId": 1},
		func(_ json.RawMessage, err error) { errs <- err }); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrAckTimeout) {
			t.Fatalf("expected ack timeout, got %v", err)
		}
		if !clienterr.IsKind(err, clienterr.KindTransport) {
			t.Fatalf("expected transport kind, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ack timeout callback")
	}
}

func TestWebSocketChannelDropFailsPendingAcks(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	server.Handle(transport.EventCheckIn, func(*gametest.ServerConn, transport.Envelope) {})
	channel := mustDial(t, server, &transport.WebSocketDialer{AckTimeout: time.Minute})

	errs := make(chan error, 1)
	if err := channel.EmitWithAck(context.Background(), transport.EventCheckIn, map[string]int64{"userId": 1},
		func(_ json.RawMessage, err error) { errs <- err }); err != nil {
		t.Fatalf("emit: %v", err)
	}
	server.WaitReceived(t, transport.EventCheckIn, 1, time.Second)
	server.DropAll()

	select {
	case <-channel.Done():
	case <-time.After(time.Second):
		t.Fatal("expected channel to report drop")
	}
	if !clienterr.IsKind(channel.Err(), clienterr.KindTransport) {
		t.Fatalf("expected transport error after drop, got %v", channel.Err())
	}

	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrChannelClosed) {
			t.Fatalf("expected channel closed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected pending ack to fail")
	}

	if err := channel.Emit(context.Background(), transport.EventCheckIn, nil); err == nil {
		t.Fatal("expected emit on dropped channel to fail")
	}
}

func TestWebSocketDialerRefused(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	server.Refuse(true)

	dialer := &transport.WebSocketDialer{}
	_, err := dialer.Dial(context.Background(), server.WSURL())
	if err == nil {
		t.Fatal("expected refused dial to fail")
	}
	if clienterr.CodeOf(err) != "transport.dial.failed" {
		t.Fatalf("unexpected code %q", clienterr.CodeOf(err))
	}
}

func TestWebSocketChannelLocalClose(t *testing.T) {
	server := gametest.NewServer(gametest.ServerConfig{})
	defer server.Close()
	channel := mustDial(t, server, &transport.WebSocketDialer{})
	server.WaitConnections(t, 1, time.Second)

	if err := channel.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-channel.Done():
	default:
		t.Fatal("expected done after close")
	}
	server.WaitConnections(t, 0, 2*time.Second)
}
