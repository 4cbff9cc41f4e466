package process

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"

	"github.com/hashicorp/yamux"

	"mcprelay/internal/plugin"
)

// fakePluginServer accepts yamux streams on sess and answers frames the way
// a real plugin subprocess would, without needing an actual subprocess.
func fakePluginServer(t *testing.T, sess *yamux.Session) {
	t.Helper()
	go func() {
		for {
			stream, err := sess.Accept()
			if err != nil {
				return
			}
			go serveFakeStream(stream)
		}
	}()
}

func serveFakeStream(stream net.Conn) {
	defer stream.Close()
	br := bufio.NewReader(stream)
	counter := 0
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return
		}
		var req frame
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		var resp frame
		switch req.Op {
		case "get_tools":
			resp = frame{Data: json.RawMessage(`[{"name":"echo","description":"","parameters":{},"is_streaming":false}]`)}
		case "call_tool":
			resp = frame{Status: "ok", Data: req.Args}
		case "stream_start":
			resp = frame{Status: "ok"}
		case "stream_next":
			counter++
			if counter > 2 {
				resp = frame{Status: "end"}
			} else {
				resp = frame{Status: "continue", Data: json.RawMessage(`{"n":` + strconv.Itoa(counter) + `}`)}
			}
		case "stream_free":
			resp = frame{Status: "ok"}
		default:
			resp = frame{Status: "error", Code: -32601, Message: "unknown op"}
		}

		b, _ := json.Marshal(resp)
		if _, err := stream.Write(append(b, '\n')); err != nil {
			return
		}
	}
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	clientSess, err := yamux.Client(clientConn, yamux.DefaultConfig())
	if err != nil {
		t.Fatalf("yamux.Client() err = %v", err)
	}
	serverSess, err := yamux.Server(serverConn, yamux.DefaultConfig())
	if err != nil {
		t.Fatalf("yamux.Server() err = %v", err)
	}
	fakePluginServer(t, serverSess)

	return &Provider{
		name:    "fake",
		sess:    clientSess,
		streams: make(map[int64]*yamux.Stream),
	}
}

func TestProcessTools(t *testing.T) {
	p := newTestProvider(t)
	tools, err := p.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() err = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("Tools() = %+v", tools)
	}
}

func TestProcessCallTool(t *testing.T) {
	p := newTestProvider(t)
	out, callErr := p.CallTool(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if callErr != nil {
		t.Fatalf("CallTool() err = %v", callErr)
	}
	if string(out) != `{"x":1}` {
		t.Fatalf("CallTool() = %s", out)
	}
}

func TestProcessStreamLifecycle(t *testing.T) {
	p := newTestProvider(t)
	handle, callErr := p.StartStream(context.Background(), "echo", json.RawMessage(`{}`))
	if callErr != nil {
		t.Fatalf("StartStream() err = %v", callErr)
	}

	count := 0
	for {
		ev, err := p.Next(context.Background(), handle)
		if err != nil {
			t.Fatalf("Next() err = %v", err)
		}
		if ev.Outcome == plugin.StreamEnd {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	if err := p.Free(handle); err != nil {
		t.Fatalf("Free() err = %v", err)
	}
	if err := p.Free(handle); err != nil {
		t.Fatalf("second Free() err = %v", err)
	}
}
