package versionx

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// A MemberID identifies the member that originated an operation. The bytes
// are opaque to the version layer; receivers only compare them and carry
// them back onto the wire. A nil MemberID means "the sender of the message".
type MemberID []byte

// NewMemberID generates a random member identifier. Real deployments derive
// these from membership views, tests and tooling use this.
func NewMemberID() MemberID {
	id := uuid.New()
	return id[:]
}

func (m MemberID) IsNil() bool {
	return len(m) == 0
}

func (m MemberID) Equal(other MemberID) bool {
	return bytes.Equal(m, other)
}

func (m MemberID) String() string {
	if len(m) == 16 {
		id, err := uuid.FromBytes(m)
		if err == nil {
			return id.String()
		}
	}
	return string(m)
}

// AppendMemberID encodes a member id as a uvarint length followed by the id
// bytes.
func AppendMemberID(id MemberID, buf []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(id)))
	buf = append(buf, id...)
	return buf
}

// DecodeMemberID decodes a member id and returns it along with the number of
// bytes consumed.
func DecodeMemberID(buf []byte) (MemberID, int, error) {
	idLen, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, protocolError{"failed to read member id length"}
	}
	if uint64(len(buf)-n) < idLen {
		return nil, 0, protocolError{"unexpected eof reading member id"}
	}

	id := make(MemberID, idLen)
	copy(id, buf[n:n+int(idLen)])
	return id, n + int(idLen), nil
}
