package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOKEnvelope(t *testing.T) {
	data := OK(SendResult{ID: "m1", Creation: time.Unix(1700000000, 0).UTC()})

	resp, err := ParseResponse(data)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected ok envelope")
	}
	if resp.Code != "" || resp.Error != "" {
		t.Errorf("ok envelope should carry no error fields, got code=%q error=%q", resp.Code, resp.Error)
	}

	var result SendResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ID != "m1" {
		t.Errorf("expected id m1, got %q", result.ID)
	}
}

func TestOKWithoutResult(t *testing.T) {
	resp, err := ParseResponse(OK(nil))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected ok envelope")
	}
	if len(resp.Result) != 0 {
		t.Errorf("expected empty result, got %s", resp.Result)
	}
}

func TestFailEnvelope(t *testing.T) {
	resp, err := ParseResponse(Fail(CodeNotAuthorized, "no access to room"))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.OK {
		t.Fatal("expected failure envelope")
	}
	if resp.Code != CodeNotAuthorized {
		t.Errorf("expected code %q, got %q", CodeNotAuthorized, resp.Code)
	}
	if resp.Error != "no access to room" {
		t.Errorf("unexpected error message: %q", resp.Error)
	}
}

func TestParseResponse_InvalidJSON(t *testing.T) {
	if _, err := ParseResponse([]byte("{not json")); err == nil {
		t.Error("invalid JSON should return an error")
	}
}
