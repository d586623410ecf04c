package versionx

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"
)

// serialization flags, the first wire byte pair
const (
	flagHasMemberID         = 0x01
	flagHasPreviousMemberID = 0x02
	flagVersionTwoBytes     = 0x04
	flagDuplicateMemberIDs  = 0x08
	flagHasRegionHighBytes  = 0x10
)

// TagBits are the mutable state bits of a version tag. Only the low 16 bits
// are carried on the wire.
type TagBits uint32

const (
	// BitPosDup marks an operation that may already have been applied by the
	// receiver. The sender saw the operation before and re-propagated it with
	// the current version stamp, so receivers must not apply it twice.
	BitPosDup TagBits = 0x01

	// BitRecorded is set once the receiver's version vector has recorded the
	// tag.
	BitRecorded TagBits = 0x02

	// BitHasPreviousID indicates the tag carries a previous member id for
	// delta-operation checks.
	BitHasPreviousID TagBits = 0x04

	// BitGatewayTag marks a tag that holds only a distributed system id and a
	// timestamp rather than full version information.
	BitGatewayTag TagBits = 0x08

	// BitRemoteTag is set on any tag decoded off the wire.
	BitRemoteTag TagBits = 0x10

	// BitTimestampApplied records that the tag's timestamp was used to update
	// the cache's clock.
	BitTimestampApplied TagBits = 0x20

	// BitAllowedByResolver marks a tag approved by a conflict resolver.
	BitAllowedByResolver TagBits = 0x40
)

// A VersionTag carries per-entry version metadata for one cache operation.
// Tags travel with every operation that crosses the wire, so the encoded
// form only stores the fields that are actually populated.
//
// The distribution layer is the only mutator of a tag's bits; consumers such
// as the continuous-query core treat tags as read-only routing input.
type VersionTag struct {
	EntryVersion        uint32
	RegionVersionHigh   uint16
	RegionVersionLow    uint32
	Timestamp           uint64
	DistributedSystemID uint8
	MemberID            MemberID
	PreviousMemberID    MemberID

	// bits is updated concurrently by setPreviousMemberID/setRecorded style
	// callers, so all access goes through atomic operations.
	bits atomic.Uint32
}

// NewTag creates a tag originated by the given member.
func NewTag(memberID MemberID) *VersionTag {
	return &VersionTag{
		MemberID: memberID,
	}
}

// NewGatewayTag creates a timestamp-only tag for multi-site propagation.
func NewGatewayTag(dsID uint8, timestamp uint64) *VersionTag {
	t := &VersionTag{
		DistributedSystemID: dsID,
		Timestamp:           timestamp,
	}
	t.setBits(BitGatewayTag)
	return t
}

func (t *VersionTag) setBits(mask TagBits) {
	for {
		old := t.bits.Load()
		if t.bits.CompareAndSwap(old, old|uint32(mask)) {
			return
		}
	}
}

func (t *VersionTag) clearBits(mask TagBits) {
	for {
		old := t.bits.Load()
		if t.bits.CompareAndSwap(old, old&^uint32(mask)) {
			return
		}
	}
}

func (t *VersionTag) hasBits(mask TagBits) bool {
	return TagBits(t.bits.Load())&mask != 0
}

func (t *VersionTag) IsPosDup() bool           { return t.hasBits(BitPosDup) }
func (t *VersionTag) IsRecorded() bool         { return t.hasBits(BitRecorded) }
func (t *VersionTag) IsGatewayTag() bool       { return t.hasBits(BitGatewayTag) }
func (t *VersionTag) IsRemote() bool           { return t.hasBits(BitRemoteTag) }
func (t *VersionTag) IsTimestampApplied() bool { return t.hasBits(BitTimestampApplied) }
func (t *VersionTag) IsAllowedByResolver() bool {
	return t.hasBits(BitAllowedByResolver)
}

func (t *VersionTag) SetPosDup(flag bool) *VersionTag {
	if flag {
		t.setBits(BitPosDup)
	} else {
		t.clearBits(BitPosDup)
	}
	return t
}

func (t *VersionTag) SetRecorded() {
	t.setBits(BitRecorded)
}

func (t *VersionTag) SetRemote() {
	t.setBits(BitRemoteTag)
}

func (t *VersionTag) SetTimestampApplied(flag bool) {
	if flag {
		t.setBits(BitTimestampApplied)
	} else {
		t.clearBits(BitTimestampApplied)
	}
}

func (t *VersionTag) SetAllowedByResolver(flag bool) *VersionTag {
	if flag {
		t.setBits(BitAllowedByResolver)
	} else {
		t.clearBits(BitAllowedByResolver)
	}
	return t
}

// SetPreviousMemberID records the member that owns the version stamp this
// delta operation is based on. That stamp's version number is
// EntryVersion-1.
func (t *VersionTag) SetPreviousMemberID(id MemberID) {
	t.setBits(BitHasPreviousID)
	t.PreviousMemberID = id
}

// HasPreviousMemberID reports whether the tag carries a previous member id.
// Only meaningful when EntryVersion > 1.
func (t *VersionTag) HasPreviousMemberID() bool {
	return t.hasBits(BitHasPreviousID)
}

// SetRegionVersion splits a 48-bit region version into its wire halves.
func (t *VersionTag) SetRegionVersion(version uint64) {
	t.RegionVersionHigh = uint16((version & 0xFFFF00000000) >> 32)
	t.RegionVersionLow = uint32(version & 0xFFFFFFFF)
}

func (t *VersionTag) RegionVersion() uint64 {
	return uint64(t.RegionVersionHigh)<<32 | uint64(t.RegionVersionLow)
}

// HasValidVersion reports whether the tag carries real version numbers. An
// all-zero entry/region version pair means "no valid version".
func (t *VersionTag) HasValidVersion() bool {
	return !(t.EntryVersion == 0 && t.RegionVersionHigh == 0 && t.RegionVersionLow == 0)
}

// ReplaceNullIDs fills in nil member ids with an explicit identifier so that
// a tag incorporated into durable storage is self-describing. A nil member
// id on the wire means "the sender".
func (t *VersionTag) ReplaceNullIDs(id MemberID) {
	if t.MemberID.IsNil() {
		t.MemberID = id
	}
	if t.PreviousMemberID.IsNil() && t.HasPreviousMemberID() && t.EntryVersion > 1 {
		t.PreviousMemberID = id
	}
}

// Equal reports whether two tags describe the same operation. Receivers use
// this to detect already-applied duplicates.
func (t *VersionTag) Equal(other *VersionTag) bool {
	if t == other {
		return true
	}
	if other == nil {
		return false
	}
	if t.EntryVersion != other.EntryVersion {
		return false
	}
	if !t.MemberID.Equal(other.MemberID) {
		return false
	}
	if t.RegionVersionHigh != other.RegionVersionHigh ||
		t.RegionVersionLow != other.RegionVersionLow {
		return false
	}
	if t.IsGatewayTag() != other.IsGatewayTag() {
		return false
	}
	if t.IsGatewayTag() {
		return t.Timestamp == other.Timestamp &&
			t.DistributedSystemID == other.DistributedSystemID
	}
	return true
}

// AppendTag encodes the tag onto buf. Only populated optional fields are
// written; includeMember controls whether member ids go on the wire at all
// (they are interned in region version vectors on some paths).
func AppendTag(t *VersionTag, includeMember bool, buf []byte) []byte {
	flags := 0
	versionIsShort := false
	if t.EntryVersion < 0x10000 {
		versionIsShort = true
		flags |= flagVersionTwoBytes
	}
	if t.RegionVersionHigh != 0 {
		flags |= flagHasRegionHighBytes
	}
	if !t.MemberID.IsNil() && includeMember {
		flags |= flagHasMemberID
	}
	writePreviousMemberID := false
	if !t.PreviousMemberID.IsNil() && includeMember {
		flags |= flagHasPreviousMemberID
		if t.PreviousMemberID.Equal(t.MemberID) {
			flags |= flagDuplicateMemberIDs
		} else {
			writePreviousMemberID = true
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(flags))
	buf = binary.BigEndian.AppendUint16(buf, uint16(t.bits.Load()))
	buf = append(buf, t.DistributedSystemID)
	if versionIsShort {
		buf = binary.BigEndian.AppendUint16(buf, uint16(t.EntryVersion))
	} else {
		buf = binary.BigEndian.AppendUint32(buf, t.EntryVersion)
	}
	if t.RegionVersionHigh != 0 {
		buf = binary.BigEndian.AppendUint16(buf, t.RegionVersionHigh)
	}
	buf = binary.BigEndian.AppendUint32(buf, t.RegionVersionLow)
	buf = binary.AppendUvarint(buf, t.Timestamp)
	if flags&flagHasMemberID != 0 {
		buf = AppendMemberID(t.MemberID, buf)
	}
	if writePreviousMemberID {
		buf = AppendMemberID(t.PreviousMemberID, buf)
	}

	return buf
}

// DecodeTag decodes one tag from buf and returns it along with the number of
// bytes consumed. Decoded tags are marked as remote.
func DecodeTag(buf []byte) (*VersionTag, int, error) {
	if len(buf) < 5 {
		return nil, 0, protocolError{"unexpected eof reading tag header"}
	}

	bufPos := 0
	flags := binary.BigEndian.Uint16(buf[bufPos:])
	bufPos += 2

	t := &VersionTag{}
	t.bits.Store(uint32(binary.BigEndian.Uint16(buf[bufPos:])))
	bufPos += 2

	t.DistributedSystemID = buf[bufPos]
	bufPos++

	if flags&flagVersionTwoBytes != 0 {
		if len(buf) < bufPos+2 {
			return nil, 0, protocolError{"unexpected eof reading entry version"}
		}
		t.EntryVersion = uint32(binary.BigEndian.Uint16(buf[bufPos:]))
		bufPos += 2
	} else {
		if len(buf) < bufPos+4 {
			return nil, 0, protocolError{"unexpected eof reading entry version"}
		}
		t.EntryVersion = binary.BigEndian.Uint32(buf[bufPos:])
		bufPos += 4
	}

	if flags&flagHasRegionHighBytes != 0 {
		if len(buf) < bufPos+2 {
			return nil, 0, protocolError{"unexpected eof reading region version"}
		}
		t.RegionVersionHigh = binary.BigEndian.Uint16(buf[bufPos:])
		bufPos += 2
	}

	if len(buf) < bufPos+4 {
		return nil, 0, protocolError{"unexpected eof reading region version"}
	}
	t.RegionVersionLow = binary.BigEndian.Uint32(buf[bufPos:])
	bufPos += 4

	timestamp, n := binary.Uvarint(buf[bufPos:])
	if n <= 0 {
		return nil, 0, protocolError{"failed to read tag timestamp"}
	}
	t.Timestamp = timestamp
	bufPos += n

	if flags&flagHasMemberID != 0 {
		id, n, err := DecodeMemberID(buf[bufPos:])
		if err != nil {
			return nil, 0, err
		}
		t.MemberID = id
		bufPos += n
	}

	if flags&flagHasPreviousMemberID != 0 {
		if flags&flagDuplicateMemberIDs != 0 {
			t.PreviousMemberID = t.MemberID
		} else {
			id, n, err := DecodeMemberID(buf[bufPos:])
			if err != nil {
				return nil, 0, err
			}
			t.PreviousMemberID = id
			bufPos += n
		}
	}

	t.setBits(BitRemoteTag)

	return t, bufPos, nil
}

func (t *VersionTag) String() string {
	if t.IsGatewayTag() {
		return fmt.Sprintf("{ds=%d; time=%d}", t.DistributedSystemID, t.Timestamp)
	}

	s := fmt.Sprintf("{v%d; rv%d", t.EntryVersion, t.RegionVersion())
	if !t.MemberID.IsNil() {
		s += "; mbr=" + t.MemberID.String()
	}
	if t.HasPreviousMemberID() {
		s += "; prev=" + t.PreviousMemberID.String()
	}
	s += fmt.Sprintf("; ds=%d; time=%d", t.DistributedSystemID, t.Timestamp)
	if t.IsRemote() {
		s += "; remote"
	}
	if t.IsAllowedByResolver() {
		s += "; allowed"
	}
	return s + "}"
}
