package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
)

func TestCiphertextValidate(t *testing.T) {
	valid := Ciphertext{Alg: "xchacha20poly1305", IV: "aXY=", CT: "Y3Q="}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cases := map[string]Ciphertext{
		"missing alg": {IV: "aXY=", CT: "Y3Q="},
		"missing iv":  {Alg: "a", CT: "Y3Q="},
		"missing ct":  {Alg: "a", IV: "aXY="},
		"huge ct":     {Alg: "a", IV: "aXY=", CT: strings.Repeat("x", maxCTLen+1)},
	}
	for name, c := range cases {
		if err := c.Validate(); !apperrors.HasCode(err, apperrors.CodeMessageInvalid) {
			t.Fatalf("%s: err = %v, want MESSAGE_INVALID", name, err)
		}
	}
}

func TestTransportValidate(t *testing.T) {
	for _, ok := range []Transport{{}, {Kind: DefaultTransportKind}, {Kind: "nostr.v1", RelayHints: []string{"wss://relay"}}} {
		if err := ok.Validate(); err != nil {
			t.Fatalf("transport %+v: %v", ok, err)
		}
	}
	for _, bad := range []Transport{{Kind: "Bad Kind"}, {RelayHints: []string{""}}, {RelayHints: make([]string, maxRelayHints+1)}} {
		if err := bad.Validate(); !apperrors.HasCode(err, apperrors.CodeMessageInvalid) {
			t.Fatalf("transport %+v: err = %v, want MESSAGE_INVALID", bad, err)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	if StatusRequest.Terminal() || !StatusAccepted.Terminal() || !StatusRejected.Terminal() {
		t.Fatal("only accepted and rejected are terminal")
	}
	if Status("pending").Valid() {
		t.Fatal("unknown status should be invalid")
	}
}

func TestMessageJSONRendersAnonymousAsNull(t *testing.T) {
	m := Message{ID: "msg_1", ToHouseID: "to", Status: StatusRequest, CreatedAt: time.Unix(0, 0).UTC()}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"fromHouseId":null`) {
		t.Fatalf("json = %s", raw)
	}
	if strings.Contains(string(raw), "decidedAt") {
		t.Fatalf("undecided message should omit decidedAt: %s", raw)
	}

	m.FromHouseID = "from"
	raw, _ = json.Marshal(m)
	if !strings.Contains(string(raw), `"fromHouseId":"from"`) {
		t.Fatalf("json = %s", raw)
	}
}
