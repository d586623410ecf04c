package cqcorex

// DatatypeFlag describes the encoding of a value carried in a CQ event
// message.
type DatatypeFlag uint8

const (
	DatatypeFlagCompressed DatatypeFlag = 0x01
)

type CompressionManager interface {
	Compress(supportsSnappy bool, datatype DatatypeFlag, value []byte) ([]byte, DatatypeFlag, error)
	Decompress(datatype DatatypeFlag, value []byte) ([]byte, DatatypeFlag, error)
}
