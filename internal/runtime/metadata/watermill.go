package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill message metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies metadata into a Watermill map, used when rejected events
// are forwarded to a poison topic.
func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}
