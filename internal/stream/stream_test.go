package stream

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSendDeliversFullPayload(t *testing.T) {
	server, client := net.Pipe()
	s := New(server)
	defer s.Close()

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 32)
		n, _ := client.Read(buf)
		read <- append([]byte(nil), buf[:n]...)
	}()

	done := make(chan Status, 1)
	s.Send([]byte("hello"), func(st Status) { done <- st })

	if st := <-done; st != StatusDone {
		t.Fatalf("Send callback status = %v, want StatusDone", st)
	}
	if got := <-read; string(got) != "hello" {
		t.Fatalf("received payload = %q, want %q", got, "hello")
	}
}

func TestSendThenCloseClosesAfterFlush(t *testing.T) {
	server, client := net.Pipe()
	s := New(server)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 32)
		n, _ := client.Read(buf)
		read <- append([]byte(nil), buf[:n]...)
	}()

	s.SendThenClose([]byte("bye"))
	if got := <-read; string(got) != "bye" {
		t.Fatalf("received payload = %q, want %q", got, "bye")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected an error reading after SendThenClose closed the stream")
	}
}

func TestCloseFailsQueuedSend(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := New(server)

	blocked := make(chan Status, 1)
	go s.Send([]byte("A"), func(st Status) { blocked <- st })
	// Give the goroutine time to enter flush() and block on the
	// unread conn.Write before anything else is enqueued behind it.
	time.Sleep(20 * time.Millisecond)

	queued := make(chan Status, 1)
	s.Send([]byte("B"), func(st Status) { queued <- st })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case st := <-queued:
		if st != StatusFailed {
			t.Fatalf("queued send status = %v, want StatusFailed", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued send to fail")
	}

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked send to resolve after Close")
	}
}

func TestSendAfterCloseFailsImmediately(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := New(server)
	s.Close()

	done := make(chan Status, 1)
	s.Send([]byte("too late"), func(st Status) { done <- st })

	select {
	case st := <-done:
		if st != StatusFailed {
			t.Fatalf("post-close send status = %v, want StatusFailed", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-close send callback")
	}
}

// TestWebSocketUpgradeRoundTrip drives a real RFC-6455 client
// (gorilla/websocket) against UpgradeToWebSocket to confirm the hand-rolled
// server-side handshake and frame encoding actually interoperate.
func TestWebSocketUpgradeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		s := New(conn)
		br := bufio.NewReader(conn)
		if _, err := br.Peek(4); err != nil {
			serverDone <- err
			return
		}
		if err := s.UpgradeToWebSocket(br); err != nil {
			serverDone <- err
			return
		}
		done := make(chan Status, 1)
		s.Send([]byte("hello over websocket"), func(st Status) { done <- st })
		<-done
		serverDone <- nil
	}()

	url := "ws://" + ln.Addr().String() + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close()

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(payload) != "hello over websocket" {
		t.Fatalf("payload = %q, want %q", payload, "hello over websocket")
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server goroutine error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server goroutine")
	}
}

func TestReadFiresOnRemoteClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	s := New(server)
	fired := make(chan struct{}, 1)
	s.OnRemoteClosed(func() { fired <- struct{}{} })

	client.Close()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v, want nil (EOF normalized to a clean close)", err)
	}
	if n != 0 {
		t.Fatalf("Read() n = %d, want 0", n)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnRemoteClosed callback did not fire")
	}
}
