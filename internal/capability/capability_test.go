package capability

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/phonekit/phonekit/internal/phoneerr"
)

var testSecret = []byte("test-secret")

func TestMintDecodeRoundTrip(t *testing.T) {
	want := Capabilities{
		AccountSID:      "AC123",
		AppSID:          "AP456",
		ClientName:      "alice",
		Incoming:        true,
		Outgoing:        true,
		DeveloperParams: map[string]string{"region": "us 1", "plan": "a&b"},
	}

	token, err := Mint(testSecret, want, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}

	got, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.AccountSID != want.AccountSID || got.AppSID != want.AppSID || got.ClientName != want.ClientName {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
	if !got.Incoming || !got.Outgoing {
		t.Errorf("Incoming=%v Outgoing=%v, want both true", got.Incoming, got.Outgoing)
	}
	for k, v := range want.DeveloperParams {
		if got.DeveloperParams[k] != v {
			t.Errorf("DeveloperParams[%q] = %q, want %q", k, got.DeveloperParams[k], v)
		}
	}
	if got.Expired(time.Now()) {
		t.Error("fresh token reported expired")
	}
	if !got.Expired(time.Now().Add(2 * time.Hour)) {
		t.Error("token not expired after its ttl")
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	token, err := Mint(testSecret, Capabilities{AccountSID: "AC1", ClientName: "bob", Incoming: true}, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}

	first, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := Decode(token)
		if err != nil {
			t.Fatalf("Decode() #%d error: %v", i, err)
		}
		if again.AccountSID != first.AccountSID ||
			again.ClientName != first.ClientName ||
			again.Incoming != first.Incoming ||
			again.Outgoing != first.Outgoing ||
			!again.Expires.Equal(first.Expires) {
			t.Fatalf("Decode() #%d = %+v, want %+v", i, again, first)
		}
	}
}

func TestDecodeIgnoresSignature(t *testing.T) {
	token, err := Mint([]byte("someone-elses-key"), Capabilities{AccountSID: "AC9", Outgoing: true}, 0)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	caps, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !caps.Outgoing || caps.Incoming {
		t.Errorf("caps = %+v, want outgoing only", caps)
	}
	if !caps.Expires.IsZero() || caps.Expired(time.Now()) {
		t.Error("token without exp must never expire")
	}
}

func TestDecodeErrors(t *testing.T) {
	seg := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	header := seg(`{"alg":"HS256","typ":"JWT"}`)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"bad base64", "!!!.###.$$$"},
		{"bad scope", header + "." + seg(`{"iss":"AC1","scope":"client:incoming"}`) + ".sig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			if err == nil {
				t.Fatal("expected error")
			}
			if !phoneerr.HasCode(err, phoneerr.DomainServices, phoneerr.CodeInvalidJWT) {
				t.Errorf("error = %v, want code %d", err, phoneerr.CodeInvalidJWT)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in        string
		privilege string
		client    string
		wantErr   bool
	}{
		{"scope:client:incoming?clientName=alice", "incoming", "alice", false},
		{"scope:client:outgoing?appSid=AP1&clientName=bob", "outgoing", "bob", false},
		{"scope:client:incoming", "incoming", "", false},
		{"scope:client:", "", "", true},
		{"scope:stream:subscribe", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Privilege != tt.privilege {
				t.Errorf("Privilege = %q, want %q", got.Privilege, tt.privilege)
			}
			if got.Params.Get("clientName") != tt.client {
				t.Errorf("clientName = %q, want %q", got.Params.Get("clientName"), tt.client)
			}
		})
	}
}

func TestRegistrationChanged(t *testing.T) {
	base := Capabilities{AccountSID: "AC1", ClientName: "alice", Incoming: true, Outgoing: true}

	tests := []struct {
		name string
		next Capabilities
		want bool
	}{
		{"same", base, false},
		{"outgoing only differs", Capabilities{AccountSID: "AC1", ClientName: "alice", Incoming: true}, false},
		{"incoming dropped", Capabilities{AccountSID: "AC1", ClientName: "alice", Outgoing: true}, true},
		{"account changed", Capabilities{AccountSID: "AC2", ClientName: "alice", Incoming: true}, true},
		{"client renamed", Capabilities{AccountSID: "AC1", ClientName: "bob", Incoming: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.RegistrationChanged(tt.next); got != tt.want {
				t.Errorf("RegistrationChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
