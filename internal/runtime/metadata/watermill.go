package metadata

import "github.com/ThreeDotsLabs/watermill/message"

const (
	// KeyEventName names the event carried by a mirrored sink message.
	KeyEventName = "rpcmesh_event"
	// KeySender names the service that published a mirrored event.
	KeySender = "rpcmesh_sender"
)

// FromWatermill converts message metadata received from an event sink.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts headers into metadata for an outgoing sink message.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
