package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/netpilot-net/netpilot/pkg/util"
)

func TestCodeForError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{util.ErrNoFreePort, CodeNoFreePort},
		{fmt.Errorf("allocating: %w", util.ErrNoFreePort), CodeNoFreePort},
		{util.ErrTunnelDown, CodeTunnelDown},
		{util.ErrUnknownRouter, CodeUnknownRouter},
		{util.ErrUnknownSession, CodeUnknownSession},
		{util.ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{util.NewCommandError("iptables -L", 2, "bad rule"), CodeCommandFailed},
		{util.NewValidationError("ip is required"), CodeBadRequest},
		{&util.OwnershipError{UserID: "u", RouterID: "r"}, CodeForbidden},
		{util.ErrConflict, CodeConflict},
		{util.ErrAccountLocked, CodeAccountLocked},
		{errors.New("anything else"), CodeInternal},
	}

	for _, tt := range tests {
		if got := CodeForError(tt.err); got != tt.want {
			t.Errorf("CodeForError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestFailAndErrRoundTrip(t *testing.T) {
	env := Fail(fmt.Errorf("resolving port: %w", util.ErrUnknownRouter), Metadata{RouterID: "aabbccddeeff"})

	if env.Success {
		t.Fatal("Fail() produced a success envelope")
	}
	if env.Error.Code != CodeUnknownRouter {
		t.Fatalf("code = %s, want %s", env.Error.Code, CodeUnknownRouter)
	}

	// Serialize and decode as a client would.
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	remoteErr := decoded.Err()
	if remoteErr == nil {
		t.Fatal("Err() on a failure envelope returned nil")
	}
	if !errors.Is(remoteErr, util.ErrUnknownRouter) {
		t.Errorf("errors.Is lost the sentinel across the wire: %v", remoteErr)
	}
}

func TestOKDecodeData(t *testing.T) {
	type device struct {
		IP  string `json:"ip"`
		MAC string `json:"mac"`
	}
	env, err := OK([]device{{IP: "192.168.1.10", MAC: "AA:BB:CC:11:22:33"}}, Metadata{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if !env.Success {
		t.Fatal("OK() produced a failure envelope")
	}

	var out []device
	if err := env.DecodeData(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].IP != "192.168.1.10" {
		t.Errorf("decoded %+v", out)
	}
}

func TestDecodeDataOnFailure(t *testing.T) {
	env := Fail(util.ErrTimeout, Metadata{})
	var out struct{}
	if err := env.DecodeData(&out); !errors.Is(err, util.ErrTimeout) {
		t.Errorf("DecodeData on failure should surface the remote error, got %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeBadRequest, 400},
		{CodeUnauthenticated, 401},
		{CodeForbidden, 403},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodeAccountLocked, 423},
		{CodeTunnelDown, 502},
		{CodeNoFreePort, 503},
		{CodeTimeout, 504},
		{CodeInternal, 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(util.ErrTunnelDown) {
		t.Error("TunnelDown should be retryable")
	}
	if Retryable(util.ErrTimeout) {
		t.Error("Timeout must not be marked retryable by default")
	}
}
