package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	original := &FlowState{
		CSRFToken: "csrf-abc123",
		ClientID:  "client-1",
		ReturnTo:  "/dashboard",
		Timestamp: time.Now().UnixMilli(),
	}

	encoded, err := EncodeState(original)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	decoded, err := DecodeFlowState(encoded)
	if err != nil {
		t.Fatalf("DecodeFlowState: %v", err)
	}

	if decoded.CSRFToken != original.CSRFToken {
		t.Errorf("CSRFToken = %q, want %q", decoded.CSRFToken, original.CSRFToken)
	}
	if decoded.ClientID != original.ClientID {
		t.Errorf("ClientID = %q, want %q", decoded.ClientID, original.ClientID)
	}
	if decoded.ReturnTo != original.ReturnTo {
		t.Errorf("ReturnTo = %q, want %q", decoded.ReturnTo, original.ReturnTo)
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, original.Timestamp)
	}
	if strings.ContainsAny(encoded, "+/=") {
		t.Errorf("encoded state %q is not URL-safe", encoded)
	}
}

func TestStateOmitsEmptyOptionalFields(t *testing.T) {
	encoded, err := EncodeState(&FlowState{CSRFToken: "tok", Timestamp: 1})
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	for _, field := range []string{"clientId", "returnTo"} {
		if strings.Contains(string(raw), field) {
			t.Errorf("encoded state contains empty optional field %q: %s", field, raw)
		}
	}
}

func TestDecodeStateFailuresAreGeneric(t *testing.T) {
	tests := []struct {
		name  string
		state string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not json", base64.RawURLEncoding.EncodeToString([]byte("plain text"))},
		{"json but wrong shape", base64.RawURLEncoding.EncodeToString([]byte(`[1,2,3]`))},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fs FlowState
			err := DecodeState(tt.state, &fs)
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("DecodeState(%q) = %v, want ErrInvalidState", tt.state, err)
			}
		})
	}
}

func TestDecodeFlowStateRequiresCSRFToken(t *testing.T) {
	encoded, err := EncodeState(&FlowState{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	if _, err := DecodeFlowState(encoded); !errors.Is(err, ErrInvalidState) {
		t.Errorf("DecodeFlowState without CSRF token = %v, want ErrInvalidState", err)
	}
}
