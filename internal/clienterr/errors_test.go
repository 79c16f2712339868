package clienterr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFollowsWrappedChain(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind Kind
		wantCode string
	}{
		{
			name:     "transport",
			err:      fmt.Errorf("connect: %w", Transport("connection", "dial_failed", context.DeadlineExceeded)),
			wantKind: KindTransport,
			wantCode: "connection.dial_failed",
		},
		{
			name:     "protocol",
			err:      Protocol("actions.add_gift", "room is full", "unable to add gift"),
			wantKind: KindProtocol,
			wantCode: "actions.add_gift.rejected",
		},
		{
			name:     "state",
			err:      State("game.apply", "query failed"),
			wantKind: KindState,
			wantCode: "game.apply.query_failed",
		},
		{
			name:     "exhaustion",
			err:      Exhaustion("connection.reconnect", 5, errors.New("refused")),
			wantKind: KindExhaustion,
			wantCode: "connection.reconnect.exhausted",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := KindOf(tc.err)
			if !ok {
				t.Fatalf("expected a classified error, got %v", tc.err)
			}
			if kind != tc.wantKind {
				t.Fatalf("kind: got %s, want %s", kind, tc.wantKind)
			}
			if code := CodeOf(tc.err); code != tc.wantCode {
				t.Fatalf("code: got %s, want %s", code, tc.wantCode)
			}
			if !IsKind(tc.err, tc.wantKind) {
				t.Fatalf("IsKind(%s) returned false", tc.wantKind)
			}
		})
	}
}

func TestTransportUnwrapsCause(t *testing.T) {
	err := Transport("join", "timeout", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
}

func TestProtocolFallsBackToDefaultMessage(t *testing.T) {
	err := Protocol("join", "", "Failed to join room.")
	if MessageOf(err) != "Failed to join room." {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("plain errors must not be classified")
	}
}
