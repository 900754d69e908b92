package envelope

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/internal/runtime/ids"
	"github.com/drblury/outboxflow/internal/runtime/metadata"
)

// Message converts the envelope into a Watermill message. The key travels in
// the partition_key header and tombstones carry a nil payload plus
// tombstone=true.
func (e Envelope) Message() *message.Message {
	msg := message.NewMessage(ids.ForTime(e.ProducedAt), e.Payload.Bytes())
	msg.Metadata.Set(metadata.KeyProducedAt, metadata.FormatTime(e.ProducedAt))
	if e.Key != nil {
		msg.Metadata.Set(metadata.KeyPartitionKey, string(e.Key))
	}
	if e.Payload.IsTombstone() {
		msg.Metadata.Set(metadata.KeyTombstone, "true")
	}
	return msg
}

// GroupByTopic splits envelopes per topic. Topics appear in first-seen order
// and envelopes keep their relative order inside each group.
func GroupByTopic(envs []Envelope) ([]string, map[string][]Envelope) {
	var topics []string
	groups := make(map[string][]Envelope)
	for _, env := range envs {
		if _, seen := groups[env.Topic]; !seen {
			topics = append(topics, env.Topic)
		}
		groups[env.Topic] = append(groups[env.Topic], env)
	}
	return topics, groups
}
