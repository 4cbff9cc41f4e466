package rpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseValidRequest(t *testing.T) {
	req, errResp := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if errResp != nil {
		t.Fatalf("Parse() returned error response: %+v", errResp)
	}
	if req.Method != "tools/list" {
		t.Fatalf("Method = %q, want tools/list", req.Method)
	}
	if req.IsNotification() {
		t.Fatalf("request with id should not be a notification")
	}
}

func TestParseEmptyBody(t *testing.T) {
	_, errResp := Parse(nil)
	if errResp == nil || errResp.Error == nil || errResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("Parse(nil) = %+v, want -32600", errResp)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	_, errResp := Parse([]byte(`{not json`))
	if errResp == nil || errResp.Error == nil || errResp.Error.Code != CodeParseError {
		t.Fatalf("Parse(malformed) = %+v, want -32700", errResp)
	}
}

func TestParseWrongVersion(t *testing.T) {
	_, errResp := Parse([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	if errResp == nil || errResp.Error == nil || errResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("Parse(wrong version) = %+v, want -32600", errResp)
	}
}

func TestParseInvalidIDType(t *testing.T) {
	_, errResp := Parse([]byte(`{"jsonrpc":"2.0","id":{"bad":true},"method":"x"}`))
	if errResp == nil || errResp.Error == nil || errResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("Parse(bad id) = %+v, want -32600", errResp)
	}
}

func TestNotificationDetection(t *testing.T) {
	req, errResp := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if errResp != nil {
		t.Fatalf("Parse() returned error response: %+v", errResp)
	}
	if !req.IsNotification() {
		t.Fatalf("request without id should be a notification")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	original := Success(json.RawMessage(`7`), map[string]any{"ok": true})
	b, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() err = %v", err)
	}
	decoded, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal() err = %v", err)
	}

	reencoded, err := Marshal(decoded)
	if err != nil {
		t.Fatalf("Marshal(decoded) err = %v", err)
	}
	if diff := cmp.Diff(string(b), string(reencoded)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := ErrorResponse(json.RawMessage(`1`), CodeMethodNotFound, "method not found", nil)
	if resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
	if resp.Result != nil {
		t.Fatalf("error response must not carry a result")
	}
}
