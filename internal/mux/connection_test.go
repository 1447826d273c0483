package mux

import (
	"context"
	"testing"
	"time"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/proto"
)

func TestAuthHandshakeDeliversAuthed(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewConnection(clientConn)
	server := NewConnection(serverConn)

	id := codec.NewUUID()
	server.OnAuthRequest(func(m proto.AuthMsg) {
		server.SendAuthed(id)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	authed := make(chan struct{})
	client.OnAuthed(func(codec.UUID) { close(authed) })

	if err := client.SendAuth("guest", id, "tok"); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTHED")
	}
}

func TestOpenReadyRoundTrip(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewConnection(clientConn)
	server := NewConnection(serverConn)

	var serverReceived []byte
	received := make(chan struct{})
	server.SetOpenHandler(func(ch *Channel) (bool, func([]byte)) {
		if ch.CType != "objects" {
			return false, nil
		}
		return true, func(payload []byte) {
			serverReceived = payload
			close(received)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	ch, err := client.OpenChannel(ctx, "objects", codec.Root().Child("rooms"), func([]byte) {})
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if ch.State() != StateOpen {
		t.Fatalf("expected channel open, got %s", ch.State())
	}
	if err := ch.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
	if string(serverReceived) != "hello" {
		t.Fatalf("got %q", serverReceived)
	}
}

func TestOpenRejectedYieldsFailed(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewConnection(clientConn)
	server := NewConnection(serverConn)
	server.SetOpenHandler(func(ch *Channel) (bool, func([]byte)) {
		return false, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	_, err := client.OpenChannel(ctx, "objects", codec.Root(), func([]byte) {})
	if err == nil {
		t.Fatal("expected open to fail")
	}
}
