package types

import (
	"testing"

	"github.com/google/uuid"
)

func TestDecodeInbound(t *testing.T) {
	reqID := uuid.New()

	t.Run("request", func(t *testing.T) {
		raw := []byte(`{"type":"impersonation_request","target_user_id":"` + reqID.String() + `","reason":"checking a payroll discrepancy","session_duration_minutes":30}`)
		msg, err := DecodeInbound(raw)
		if err != nil {
			t.Fatalf("DecodeInbound: %v", err)
		}
		rm, ok := msg.(RequestMessage)
		if !ok {
			t.Fatalf("decoded %T, want RequestMessage", msg)
		}
		if rm.TargetUserID != reqID || rm.SessionDurationMinutes != 30 {
			t.Errorf("decoded %+v", rm)
		}
	})

	t.Run("response approved flag follows kind", func(t *testing.T) {
		raw := []byte(`{"type":"impersonation_denied","request_id":"` + reqID.String() + `","denied_reason":"not now"}`)
		msg, err := DecodeInbound(raw)
		if err != nil {
			t.Fatalf("DecodeInbound: %v", err)
		}
		rm := msg.(ResponseMessage)
		if rm.Approved {
			t.Error("denied frame decoded as approved")
		}

		raw = []byte(`{"type":"impersonation_approved","request_id":"` + reqID.String() + `"}`)
		msg, err = DecodeInbound(raw)
		if err != nil {
			t.Fatalf("DecodeInbound: %v", err)
		}
		if !msg.(ResponseMessage).Approved {
			t.Error("approved frame decoded as denied")
		}
	})

	t.Run("session end", func(t *testing.T) {
		raw := []byte(`{"type":"session_end","session_id":"` + reqID.String() + `"}`)
		msg, err := DecodeInbound(raw)
		if err != nil {
			t.Fatalf("DecodeInbound: %v", err)
		}
		if _, ok := msg.(SessionEndMessage); !ok {
			t.Errorf("decoded %T", msg)
		}
	})

	t.Run("server-only kinds rejected", func(t *testing.T) {
		for _, kind := range []MessageKind{KindSessionExpired, KindConnected, KindError, KindPong, KindSubscribed, KindImpersonationRevoked, KindDisconnected} {
			if _, err := DecodeInbound([]byte(`{"type":"` + string(kind) + `"}`)); err == nil {
				t.Errorf("server-only kind %q accepted", kind)
			}
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		if _, err := DecodeInbound([]byte(`{"type":"format_disk"}`)); err == nil {
			t.Error("unknown kind accepted")
		}
	})

	t.Run("malformed json rejected", func(t *testing.T) {
		if _, err := DecodeInbound([]byte(`{"type":`)); err == nil {
			t.Error("malformed frame accepted")
		}
	})
}

func TestParseConnectionRole(t *testing.T) {
	if _, err := ParseConnectionRole("owner"); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if _, err := ParseConnectionRole("support"); err != nil {
		t.Errorf("support rejected: %v", err)
	}
	for _, bad := range []string{"", "admin", "Owner"} {
		if _, err := ParseConnectionRole(bad); err == nil {
			t.Errorf("role %q accepted", bad)
		}
	}
}

// Every kind a client may send must round-trip through DecodeInbound; this
// keeps InboundKinds and the decode switch in lockstep.
func TestInboundKindsAllDecodable(t *testing.T) {
	for _, kind := range InboundKinds {
		raw := []byte(`{"type":"` + string(kind) + `"}`)
		if _, err := DecodeInbound(raw); err != nil {
			t.Errorf("inbound kind %q not decodable: %v", kind, err)
		}
	}
}
