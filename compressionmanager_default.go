package cqcorex

import (
	"github.com/golang/snappy"
)

const (
	defaultCompressionMinSize  = 32
	defaultCompressionMinRatio = 0.83
)

type CompressionManagerDefault struct {
	compressionMinSize  int
	compressionMinRatio float64

	// Some deployments keep values compressed end to end, e.g. when events
	// are forwarded to durable client queues without inspection.
	disableDecompression bool
}

func NewCompressionManagerDefault(minSize int, minRatio float64) *CompressionManagerDefault {
	if minSize <= 0 {
		minSize = defaultCompressionMinSize
	}
	if minRatio <= 0 {
		minRatio = defaultCompressionMinRatio
	}
	return &CompressionManagerDefault{
		compressionMinSize:  minSize,
		compressionMinRatio: minRatio,
	}
}

func (cmd *CompressionManagerDefault) Compress(supportsSnappy bool, datatype DatatypeFlag, value []byte) ([]byte, DatatypeFlag, error) {
	if !supportsSnappy {
		return value, datatype, nil
	}

	if (datatype & DatatypeFlagCompressed) != 0 {
		return value, datatype, nil
	}

	valueSize := len(value)
	// Only compress values that are large enough to be worthwhile.
	if valueSize <= cmd.compressionMinSize {
		return value, datatype, nil
	}

	compressedValue := snappy.Encode(nil, value)
	// Only keep the compressed form when the ratio is good enough.
	if float64(len(compressedValue))/float64(valueSize) > cmd.compressionMinRatio {
		return value, datatype, nil
	}

	return compressedValue, datatype | DatatypeFlagCompressed, nil
}

func (cmd *CompressionManagerDefault) Decompress(datatype DatatypeFlag, value []byte) ([]byte, DatatypeFlag, error) {
	if cmd.disableDecompression {
		return value, datatype, nil
	}

	if (datatype & DatatypeFlagCompressed) == 0 {
		return value, datatype, nil
	}

	newValue, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, 0, err
	}

	return newValue, datatype & ^DatatypeFlagCompressed, nil
}
