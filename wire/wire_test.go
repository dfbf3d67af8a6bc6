package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		cmd     Cmd
		tid     byte
		payload []byte
	}{
		{CmdData, 3, []byte("hello")},
		{CmdPing, 0, nil},
		{CmdClose, 12, nil},
	}

	for _, c := range cases {
		buf := Encode(c.cmd, c.tid, c.payload)
		fr, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d", n, len(buf))
		}
		if fr.Cmd != c.cmd || fr.TID != c.tid {
			t.Fatalf("got cmd=%v tid=%v, want cmd=%v tid=%v", fr.Cmd, fr.TID, c.cmd, c.tid)
		}
		if !bytes.Equal(fr.Payload, c.payload) && !(len(fr.Payload) == 0 && len(c.payload) == 0) {
			t.Fatalf("payload mismatch: %v vs %v", fr.Payload, c.payload)
		}
	}
}

func TestDecodePartialFrame(t *testing.T) {
	buf := Encode(CmdData, 1, []byte("abcdef"))
	fr, n, err := Decode(buf[:5])
	if err != nil {
		t.Fatalf("unexpected error on partial frame: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected n=0 on partial frame, got %d (fr=%v)", n, fr)
	}
}

func TestDecodeRejectsZeroLength(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 0}
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestDecodeRejectsOverMaxLength(t *testing.T) {
	buf := make([]byte, HeaderLen+1)
	for i := range buf {
		buf[i] = 0xff
	}
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected error for oversized length")
	}
}

func TestDecodeRejectsUnknownCmd(t *testing.T) {
	buf := Encode(CmdPing, 0, nil)
	buf[HeaderLen] = 0x06
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestDecodeRejectsUndersizedPayload(t *testing.T) {
	// CONN requires at least 3 bytes total (cmd+tid+1 payload byte); craft
	// length=2 (cmd+tid only).
	buf := []byte{0, 0, 0, 2, byte(CmdConn), 0}
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected error for undersized CONN payload")
	}
}

func TestConnRequestRoundTrip(t *testing.T) {
	req := ConnRequest{Port: 80, AF: AFIPv4, Hostname: "example.com"}
	got, err := DecodeConnRequest(req.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestConnAnswerRoundTripIPv4(t *testing.T) {
	ans := ConnAnswer{Err: ErrSuccess, AF: AFIPv4, Port: 80, Addr: []byte{93, 184, 216, 34}}
	got, err := DecodeConnAnswer(ans.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AF != ans.AF || got.Port != ans.Port || !bytes.Equal(got.Addr, ans.Addr) {
		t.Fatalf("got %+v, want %+v", got, ans)
	}
}

func TestConnAnswerErrorShortForm(t *testing.T) {
	ans := ConnAnswer{Err: ErrConnRefused}
	encoded := ans.Encode()
	if len(encoded) != 1 {
		t.Fatalf("error answer should be 1 byte, got %d", len(encoded))
	}
	got, err := DecodeConnAnswer(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Err != ErrConnRefused {
		t.Fatalf("got err=%v, want %v", got.Err, ErrConnRefused)
	}
}

func TestConnAnswerRejectsLengthMismatch(t *testing.T) {
	// af=ipv4 but 18 address bytes instead of 4 -> payload length 22 instead of 8, must be rejected.
	payload := make([]byte, 22)
	payload[0] = byte(ErrSuccess)
	payload[1] = byte(AFIPv4)
	if _, err := DecodeConnAnswer(payload); err == nil {
		t.Fatal("expected length-mismatch error")
	}
}

func TestRConnNotifyRoundTrip(t *testing.T) {
	n := RConnNotify{NewTID: 42, AF: AFIPv4, Port: 443, Addr: []byte{10, 0, 0, 1}}
	got, err := DecodeRConnNotify(n.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NewTID != n.NewTID || got.Port != n.Port {
		t.Fatalf("got %+v, want %+v", got, n)
	}
}
