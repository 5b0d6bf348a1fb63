package workerconn

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer accepts one connection and replies to commands per script: each
// entry is the raw RESP bytes written back for the next top-level command
// received (AUTH/PING included, so scripts must account for them when a
// password is set).
func fakeServer(t *testing.T, script []string) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, reply := range script {
			if err := readCommand(r); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), done
}

// readCommand consumes one RESP array command from r, discarding its content.
func readCommand(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "*") {
		return nil
	}
	count := 0
	for _, c := range strings.TrimSpace(line[1:]) {
		count = count*10 + int(c-'0')
	}
	for i := 0; i < count; i++ {
		if _, err := r.ReadString('\n'); err != nil { // $len
			return err
		}
		if _, err := r.ReadString('\n'); err != nil { // payload
			return err
		}
	}
	return nil
}

func TestDialPingSucceeds(t *testing.T) {
	addr, done := fakeServer(t, []string{"+PONG\r\n"})
	defer func() { <-done }()

	w, err := Dial(context.Background(), Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()
}

func TestQueryReturnsServerError(t *testing.T) {
	addr, done := fakeServer(t, []string{"+PONG\r\n", "-MOVED 1234 127.0.0.1:7001\r\n"})
	defer func() { <-done }()

	w, err := Dial(context.Background(), Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()

	_, err = w.Query("GET", "x")
	if err == nil {
		t.Fatal("expected a server error")
	}
	se, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("expected *ServerError, got %T: %v", err, err)
	}
	if !se.HasPrefix("MOVED ") {
		t.Errorf("reason = %q, want MOVED prefix", se.Reason)
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	addr, done := fakeServer(t, []string{"+PONG\r\n", ":1\r\n", ":2\r\n", ":3\r\n"})
	defer func() { <-done }()

	w, err := Dial(context.Background(), Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer w.Close()

	replies, err := w.Pipeline([]Command{
		{Verb: "INCR", Args: []interface{}{"a"}},
		{Verb: "INCR", Args: []interface{}{"b"}},
		{Verb: "INCR", Args: []interface{}{"c"}},
	})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	for i, want := range []int64{1, 2, 3} {
		if replies[i] != want {
			t.Errorf("replies[%d] = %v, want %v", i, replies[i], want)
		}
	}
}

func TestQueryAfterCloseIsErrClosed(t *testing.T) {
	addr, done := fakeServer(t, []string{"+PONG\r\n"})
	defer func() { <-done }()

	w, err := Dial(context.Background(), Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	w.Close()

	if _, err := w.Query("PING"); err != ErrClosed {
		t.Errorf("Query after Close = %v, want ErrClosed", err)
	}
}
