package transport

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hvfs/metadata/internal/wire"
)

func TestInProcRoundTrip(t *testing.T) {
	tr := NewInProc()
	ln, err := tr.Listen("r2:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan Message, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		msg, err := c.Recv()
		if err != nil {
			t.Errorf("server recv: %v", err)
			return
		}
		serverDone <- msg
		reply := Message{Header: msg.Header.Reply(), Body: []byte("pong")}
		if err := c.Send(reply); err != nil {
			t.Errorf("server send: %v", err)
		}
	}()

	client, err := tr.Dial("r2:0")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := Message{
		Header: wire.NewRequest(wire.CmdR2Reg, 1, 2, 1, 42),
		Body:   []byte("ping"),
	}
	if err := client.Send(req); err != nil {
		t.Fatalf("client send: %v", err)
	}

	got := <-serverDone
	if diff := cmp.Diff(string(req.Body), string(got.Body)); diff != "" {
		t.Fatalf("server received wrong body (-want +got):\n%s", diff)
	}
	if got.Header.Cmd != wire.CmdR2Reg || got.Header.Handle != 42 {
		t.Fatalf("server received wrong header: %+v", got.Header)
	}

	reply, err := client.Recv()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if string(reply.Body) != "pong" {
		t.Fatalf("want pong, got %q", reply.Body)
	}
	if reply.Header.Flags&wire.FlagReply == 0 {
		t.Fatalf("reply should carry FlagReply")
	}
}

func TestTCPRoundTrip(t *testing.T) {
	tr := NewTCP()
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan Message, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		msg, err := c.Recv()
		if err != nil {
			t.Errorf("server recv: %v", err)
			return
		}
		serverDone <- msg
	}()

	client, err := tr.Dial(ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := Message{
		Header: wire.NewRequest(wire.CmdMDS2MDSLITB, 5, 6, 1, 0),
		Body:   []byte("itb-bytes"),
	}
	if err := client.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := <-serverDone
	if string(got.Body) != "itb-bytes" {
		t.Fatalf("want itb-bytes, got %q", got.Body)
	}
	if got.Header.Ssite != 5 || got.Header.Dsite != 6 {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
}

func TestDialUnknownInProcAddrFails(t *testing.T) {
	tr := NewInProc()
	if _, err := tr.Dial("nowhere"); err == nil {
		t.Fatalf("want an error dialing an unregistered address")
	}
}
