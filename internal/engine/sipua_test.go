package engine

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testInvite(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:alice@call.example.com:5060", &uri); err != nil {
		t.Fatalf("ParseUri() error: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "client.example.com"}}
	from.Params.Add("tag", "from-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri})
	req.AppendHeader(sip.NewHeader("Call-ID", "call-1"))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	return req
}

func TestCustomParams(t *testing.T) {
	req := testInvite(t)
	req.AppendHeader(sip.NewHeader(paramsHeader, "foo=bar&to=%2B15551234"))
	req.AppendHeader(sip.NewHeader("X-PH-Region", "us1"))
	req.AppendHeader(sip.NewHeader("X-Other", "ignored"))

	got := customParams(req)

	want := map[string]string{"foo": "bar", "to": "+15551234", "Region": "us1"}
	if len(got) != len(want) {
		t.Fatalf("customParams() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("param %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestBuildACK(t *testing.T) {
	invite := testInvite(t)

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.To().Params.Add("tag", "to-tag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.5", Port: 5070}})

	ack := buildACK(invite, res)

	if ack.Method != sip.ACK {
		t.Fatalf("method = %s, want ACK", ack.Method)
	}
	if ack.Recipient.Host != "10.0.0.5" || ack.Recipient.Port != 5070 {
		t.Errorf("recipient = %s, want the response Contact", ack.Recipient.String())
	}
	if cs := ack.CSeq(); cs == nil || cs.SeqNo != 7 || cs.MethodName != sip.ACK {
		t.Errorf("CSeq = %v, want 7 ACK", ack.CSeq())
	}
	if tag, _ := ack.To().Params.Get("tag"); tag != "to-tag" {
		t.Errorf("To tag = %q, want to-tag", tag)
	}
	if ack.CallID().Value() != "call-1" {
		t.Errorf("Call-ID = %q, want call-1", ack.CallID().Value())
	}
}
