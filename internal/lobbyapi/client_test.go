package lobbyapi_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/gametest"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/lobbyapi"
	"github.com/google/go-cmp/cmp"
)

func newClient(t *testing.T) (*lobbyapi.Client, *gametest.Server) {
	t.Helper()
	server := gametest.NewServer(gametest.ServerConfig{})
	t.Cleanup(server.Close)
	client, err := lobbyapi.NewClient(lobbyapi.ClientConfig{BaseURL: server.URL() + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := lobbyapi.NewClient(lobbyapi.ClientConfig{BaseURL: "  "})
	if !errors.Is(err, lobbyapi.ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestCreateAndJoinRoom(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	owner, err := client.AddUser(ctx, " Ada ")
	if err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if owner.ID <= 0 || owner.Name != "Ada" {
		t.Fatalf("unexpected owner %+v", owner)
	}
	code, err := client.CreateRoom(ctx, owner.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if code == "" {
		t.Fatal("expected a room code")
	}

	guest, err := client.AddUser(ctx, "Bo")
	if err != nil {
		t.Fatalf("add guest: %v", err)
	}
	if err := client.JoinRoom(ctx, guest.ID, code); err != nil {
		t.Fatalf("join room: %v", err)
	}

	room, err := client.RoomInfo(ctx, code)
	if err != nil {
		t.Fatalf("room info: %v", err)
	}
	expected := lobbyapi.Room{Code: code, OwnerID: owner.ID, ParticipantCount: 2}
	if diff := cmp.Diff(expected, room); diff != "" {
		t.Fatalf("room mismatch (-want +got):\n%s", diff)
	}
}

func TestNon2xxCarriesServerMessage(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	user, err := client.AddUser(ctx, "Cy")
	if err != nil {
		t.Fatalf("add user: %v", err)
	}

	err = client.JoinRoom(ctx, user.ID, "NOPE")
	var apiErr *lobbyapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "Room not found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}

	if _, err := client.RoomInfo(ctx, "NOPE"); !errors.As(err, &apiErr) {
		t.Fatalf("expected api error for room info, got %v", err)
	}
}

func TestClientValidatesArguments(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	if _, err := client.AddUser(ctx, ""); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if _, err := client.CreateRoom(ctx, 0); err == nil {
		t.Fatal("expected zero user id to fail")
	}
	if err := client.JoinRoom(ctx, 1, " "); err == nil {
		t.Fatal("expected empty code to fail")
	}
}
