package mcp_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-llm/mcp"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.RequestID
		wantErr bool
	}{
		{
			name:  "number input",
			input: `7`,
			want:  mcp.RequestID(7),
		},
		{
			name:  "numeric string input",
			input: `"13"`,
			want:  mcp.RequestID(13),
		},
		{
			name:  "null input",
			input: `null`,
			want:  mcp.RequestID(0),
		},
		{
			name:    "negative number",
			input:   `-1`,
			wantErr: true,
		},
		{
			name:    "non-numeric string",
			input:   `"abc"`,
			wantErr: true,
		},
		{
			name:    "object input",
			input:   `{"id": 1}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RequestID
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("RequestID.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("RequestID.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestID_MarshalJSON(t *testing.T) {
	bs, err := json.Marshal(mcp.RequestID(42))
	if err != nil {
		t.Fatalf("RequestID.MarshalJSON() error = %v", err)
	}
	if string(bs) != "42" {
		t.Errorf("RequestID.MarshalJSON() = %s, want 42", bs)
	}
}

func TestJSONRPCMessageIDForms(t *testing.T) {
	var withNumber mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":5,"result":{}}`), &withNumber); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if uint64(withNumber.ID) != 5 {
		t.Errorf("got id %d, want 5", uint64(withNumber.ID))
	}

	var withString mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"5","result":{}}`), &withString); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if uint64(withString.ID) != 5 {
		t.Errorf("got id %d, want 5", uint64(withString.ID))
	}

	var notification mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/message"}`), &notification); err != nil {
		t.Fatalf("failed to unmarshal notification: %v", err)
	}
	if notification.ID != 0 {
		t.Errorf("got id %d for notification, want 0", uint64(notification.ID))
	}

	// Notifications marshal without an id field at all.
	bs, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("failed to marshal notification: %v", err)
	}
	if strings.Contains(string(bs), `"id"`) {
		t.Errorf("marshaled notification %s must not carry an id", bs)
	}
}

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.MustString
		wantErr bool
	}{
		{
			name:  "string input",
			input: `"tok-1"`,
			want:  mcp.MustString("tok-1"),
		},
		{
			name:  "integer input",
			input: `42`,
			want:  mcp.MustString("42"),
		},
		{
			name:    "object input",
			input:   `{"key":"value"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONRPCErrorError(t *testing.T) {
	err := mcp.JSONRPCError{Code: -32601, Message: "method not found"}
	if got := err.Error(); got != "method not found (code -32601)" {
		t.Errorf("got %q, want method not found (code -32601)", got)
	}
}
