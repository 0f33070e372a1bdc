package heartbeat

import (
	"testing"

	"github.com/vfhky/serv00-ct8-nezha/internal/fault"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *Token
		wantErr bool
	}{
		{"empty means none", "", nil, false},
		{"self", "0|s1.serv00.com|22|alice", &Token{Type: 0, Hostname: "s1.serv00.com", Port: 22, Username: "alice"}, false},
		{"peer with spaces", " 1 | s2.ct8.pl | 2222 | bob ", &Token{Type: 1, Hostname: "s2.ct8.pl", Port: 2222, Username: "bob"}, false},
		{"too few fields", "1|host|22", nil, true},
		{"bad type", "x|host|22|bob", nil, true},
		{"bad port", "1|host|99999|bob", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToken(tt.in)
			if tt.wantErr {
				if !fault.Is(err, fault.KindConfig) {
					t.Fatalf("err = %v, want config fault", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseToken: %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("ParseToken(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestToken_StringRoundTrip(t *testing.T) {
	tok := Token{Type: TriggerPeer, Hostname: "h", Port: 22, Username: "u"}
	if tok.String() != "1|h|22|u" {
		t.Errorf("String() = %q", tok.String())
	}
	back, err := ParseToken(tok.String())
	if err != nil || *back != tok {
		t.Errorf("round trip = %+v, %v", back, err)
	}
}

func TestShouldPropagate(t *testing.T) {
	if !ShouldPropagate(nil) {
		t.Error("no token should propagate")
	}
	if !ShouldPropagate(&Token{Type: TriggerSelf}) {
		t.Error("self token should propagate")
	}
	if ShouldPropagate(&Token{Type: TriggerPeer}) {
		t.Error("peer token must not propagate")
	}
	if ShouldPropagate(&Token{Type: 7}) {
		t.Error("any nonzero type must not propagate")
	}
}
