package filexfer

import (
	"bytes"
	"testing"
)

func TestBufferAppendConsume(t *testing.T) {
	var buf Buffer

	buf.AppendUint8(0x01)
	buf.AppendUint32(0x02030405)
	buf.AppendUint64(0x060708090a0b0c0d)
	buf.AppendString("foo")

	want := []byte{
		0x01,
		0x02, 0x03, 0x04, 0x05,
		0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d,
		0x00, 0x00, 0x00, 0x03, 'f', 'o', 'o',
	}

	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = %X, want %X", got, want)
	}

	if v, err := buf.ConsumeUint8(); err != nil || v != 0x01 {
		t.Errorf("ConsumeUint8() = %#x, %v", v, err)
	}

	if v, err := buf.ConsumeUint32(); err != nil || v != 0x02030405 {
		t.Errorf("ConsumeUint32() = %#x, %v", v, err)
	}

	if v, err := buf.ConsumeUint64(); err != nil || v != 0x060708090a0b0c0d {
		t.Errorf("ConsumeUint64() = %#x, %v", v, err)
	}

	if v, err := buf.ConsumeString(); err != nil || v != "foo" {
		t.Errorf("ConsumeString() = %q, %v", v, err)
	}

	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBufferShortPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		consume func(*Buffer) error
	}{
		{
			name: "uint8",
			data: nil,
			consume: func(b *Buffer) error {
				_, err := b.ConsumeUint8()
				return err
			},
		},
		{
			name: "uint32",
			data: []byte{0x00, 0x00, 0x01},
			consume: func(b *Buffer) error {
				_, err := b.ConsumeUint32()
				return err
			},
		},
		{
			name: "uint64",
			data: []byte{0x00, 0x00, 0x00, 0x00, 0x01},
			consume: func(b *Buffer) error {
				_, err := b.ConsumeUint64()
				return err
			},
		},
		{
			name: "string longer than buffer",
			data: []byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'},
			consume: func(b *Buffer) error {
				_, err := b.ConsumeString()
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.consume(NewBuffer(tt.data)); err != ErrShortPacket {
				t.Errorf("got %v, want %v", err, ErrShortPacket)
			}
		})
	}
}

func TestBufferStartPacket(t *testing.T) {
	buf := NewBuffer(make([]byte, 0, 64))
	buf.StartPacket(PacketTypeClose, 42)
	buf.AppendString("h")

	header, payload, err := buf.Packet([]byte("xyz"))
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 13,
		4,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 0x01, 'h',
	}

	if !bytes.Equal(header, want) {
		t.Errorf("header = %X, want %X", header, want)
	}

	if string(payload) != "xyz" {
		t.Errorf("payload = %q, want %q", payload, "xyz")
	}
}
