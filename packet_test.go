package tftpd

import "testing"

func TestDecodeInitialPacket(t *testing.T) {
	cases := []struct {
		name     string
		wire     string
		wantOp   opcode
		wantFile string
		wantMode Mode
		wantErr  bool
	}{
		{"rrq octet", "\x00\x01test\x00octet\x00", opRRQ, "test", Octet, false},
		{"wrq netascii", "\x00\x02test\x00netascii\x00", opWRQ, "test", Netascii, false},
		{"rrq mail rejected", "\x00\x01test\x00mail\x00", 0, "", 0, true},
		{"unknown mode", "\x00\x01test\x00bogus\x00", 0, "", 0, true},
		{"missing terminators", "\x00\x01test", 0, "", 0, true},
		{"traversal sanitized to leaf", "\x00\x01../../etc/passwd\x00octet\x00", opRRQ, "passwd", Octet, false},
		{"empty filename rejected", "\x00\x01\x00octet\x00", 0, "", 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := DecodeInitialPacket([]byte(c.wire))
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Op != c.wantOp {
				t.Errorf("op = %v, want %v", got.Op, c.wantOp)
			}
			if got.Request.Filename != c.wantFile {
				t.Errorf("filename = %q, want %q", got.Request.Filename, c.wantFile)
			}
			if got.Request.Mode != c.wantMode {
				t.Errorf("mode = %v, want %v", got.Request.Mode, c.wantMode)
			}
		})
	}
}

func TestAckRoundTrip(t *testing.T) {
	ack := AckPacket{Block: 0xbbaa}
	got, err := DecodeAck(ack.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Block != ack.Block {
		t.Errorf("block = %#x, want %#x", got.Block, ack.Block)
	}
}

func TestDataRoundTrip(t *testing.T) {
	d := DataPacket{Block: 7, Payload: []byte("hello")}
	got, err := DecodeData(d.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Block != d.Block {
		t.Errorf("block = %d, want %d", got.Block, d.Block)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", got.Payload, "hello")
	}
}

func TestDataRejectsOversizedPayload(t *testing.T) {
	raw := make([]byte, 4+MaxDataSize+1)
	raw[1] = byte(opDATA)
	if _, err := DecodeData(raw); err == nil {
		t.Fatal("expected IllegalOperation for oversized DATA payload")
	} else if pe, ok := err.(*ParseError); !ok || pe.Code != ErrIllegalOperation {
		t.Fatalf("got %v, want IllegalOperation ParseError", err)
	}
}

func TestErrorPacketRoundTrip(t *testing.T) {
	e := ErrorPacket{Code: ErrUnknownTransferID, Msg: "unknown transfer id"}
	got, err := DecodeErrorPacket(e.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != e.Code || got.Msg != e.Msg {
		t.Errorf("got %+v, want %+v", got, e)
	}
}

func TestEncodeRequestWireForm(t *testing.T) {
	got := EncodeRRQ("test", Octet)
	want := "\x00\x01test\x00octet\x00"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
