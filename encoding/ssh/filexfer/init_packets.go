package filexfer

import (
	"io"
)

// ExtensionPair defines the extension-pair type defined in draft-ietf-secsh-filexfer-13.
// This type is backwards-compatible with how draft-ietf-secsh-filexfer-02 defines extensions.
//
// Defined in: https://tools.ietf.org/html/draft-ietf-secsh-filexfer-13#section-4.2
type ExtensionPair struct {
	Name string
	Data string
}

// Len returns the number of bytes e would marshal into.
func (e *ExtensionPair) Len() int {
	return 4 + len(e.Name) + 4 + len(e.Data)
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *ExtensionPair) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Name)
	buf.AppendString(e.Data)
}

// UnmarshalFrom unmarshals an ExtensionPair from the given Buffer into e.
func (e *ExtensionPair) UnmarshalFrom(buf *Buffer) (err error) {
	if e.Name, err = buf.ConsumeString(); err != nil {
		return err
	}

	if e.Data, err = buf.ConsumeString(); err != nil {
		return err
	}

	return nil
}

// InitPacket defines the SSH_FXP_INIT packet.
type InitPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p.
func (p *InitPacket) MarshalBinary() ([]byte, error) {
	return marshalVersioned(PacketTypeInit, p.Version, p.Extensions), nil
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *InitPacket) UnmarshalBinary(data []byte) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(NewBuffer(data))
	return err
}

// VersionPacket defines the SSH_FXP_VERSION packet.
type VersionPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p.
func (p *VersionPacket) MarshalBinary() ([]byte, error) {
	return marshalVersioned(PacketTypeVersion, p.Version, p.Extensions), nil
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *VersionPacket) UnmarshalBinary(data []byte) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(NewBuffer(data))
	return err
}

// ReadFrom reads a whole SSH_FXP_VERSION packet from r, using b as a backing array.
func (p *VersionPacket) ReadFrom(r io.Reader, b []byte, maxPacketLength uint32) error {
	data, err := readPacket(r, b, maxPacketLength)
	if err != nil {
		return err
	}

	buf := NewBuffer(data)

	typ, err := buf.ConsumeUint8()
	if err != nil {
		return err
	}

	if typ := PacketType(typ); typ != PacketTypeVersion {
		return &UnexpectedPacketError{Want: PacketTypeVersion, Got: typ}
	}

	p.Version, p.Extensions, err = unmarshalVersioned(buf)
	return err
}

func marshalVersioned(typ PacketType, version uint32, exts []*ExtensionPair) []byte {
	size := 1 + 4 // byte(type) + uint32(version)

	for _, ext := range exts {
		size += ext.Len()
	}

	buf := NewBuffer(make([]byte, 0, 4+size))
	buf.PutLength(size)
	buf.AppendUint8(uint8(typ))
	buf.AppendUint32(version)

	for _, ext := range exts {
		ext.MarshalInto(buf)
	}

	return buf.Bytes()
}

func unmarshalVersioned(buf *Buffer) (version uint32, exts []*ExtensionPair, err error) {
	if version, err = buf.ConsumeUint32(); err != nil {
		return 0, nil, err
	}

	for buf.Len() > 0 {
		var ext ExtensionPair
		if err := ext.UnmarshalFrom(buf); err != nil {
			return 0, nil, err
		}

		exts = append(exts, &ext)
	}

	return version, exts, nil
}
