package cqcorex

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshgrid/cqcorex/versionx"
)

// A CqEventMessage is the wire form of one routed CQ event destined for a
// client connection. The version tag travels in its compact encoded form;
// values are snappy-compressed when the client supports it and the size
// makes it worthwhile.
type CqEventMessage struct {
	BaseMsgType CqMessageType
	CqOutcomes  map[string]CqMessageType
	Key         string
	Value       []byte
	Delta       []byte
	Datatype    DatatypeFlag
	EventID     uuid.UUID
	VersionTag  []byte
}

// WireSink accepts constructed CQ event messages for transmission to a
// specific client connection. The CQ core does not open sockets or frame
// messages itself.
type WireSink interface {
	SendCqEventMessage(ctx context.Context, clientID string, msg *CqEventMessage) error
}

type CqMessageBuilderOptions struct {
	Logger             *zap.Logger
	CompressionManager CompressionManager
}

// CqMessageBuilder assembles CQ event messages for client delivery.
type CqMessageBuilder struct {
	logger      *zap.Logger
	compression CompressionManager
}

func NewCqMessageBuilder(opts *CqMessageBuilderOptions) *CqMessageBuilder {
	if opts == nil {
		opts = &CqMessageBuilderOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	compression := opts.CompressionManager
	if compression == nil {
		compression = NewCompressionManagerDefault(0, 0)
	}

	return &CqMessageBuilder{
		logger:      logger,
		compression: compression,
	}
}

// BuildEventMessage builds the wire message for one routed event. cqOutcomes
// carries the per-CQ message types by server CQ name, already resolved from
// filter ids by the subscription layer.
func (b *CqMessageBuilder) BuildEventMessage(
	baseMsgType CqMessageType,
	cqOutcomes map[string]CqMessageType,
	key string,
	value []byte,
	delta []byte,
	tag *versionx.VersionTag,
	eventID uuid.UUID,
	clientSupportsSnappy bool,
) (*CqEventMessage, error) {
	outValue, datatype, err := b.compression.Compress(clientSupportsSnappy, 0, value)
	if err != nil {
		return nil, err
	}

	var tagData []byte
	if tag != nil {
		tagData = versionx.AppendTag(tag, true, nil)
	}

	return &CqEventMessage{
		BaseMsgType: baseMsgType,
		CqOutcomes:  cqOutcomes,
		Key:         key,
		Value:       outValue,
		Delta:       delta,
		Datatype:    datatype,
		EventID:     eventID,
		VersionTag:  tagData,
	}, nil
}

// DecodeEventMessage reverses BuildEventMessage on the client side,
// decompressing the value and decoding the version tag.
func (b *CqMessageBuilder) DecodeEventMessage(msg *CqEventMessage) ([]byte, *versionx.VersionTag, error) {
	value, _, err := b.compression.Decompress(msg.Datatype, msg.Value)
	if err != nil {
		return nil, nil, err
	}

	var tag *versionx.VersionTag
	if len(msg.VersionTag) > 0 {
		tag, _, err = versionx.DecodeTag(msg.VersionTag)
		if err != nil {
			return nil, nil, err
		}
	}

	return value, tag, nil
}
