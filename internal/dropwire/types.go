package dropwire

import (
	"time"
)

// EventType describes the kind of mutation a change event records.
type EventType string

const (
	EventInsert  EventType = "INSERT"
	EventModify  EventType = "MODIFY"
	EventRemove  EventType = "REMOVE"
	EventUnknown EventType = "UNKNOWN"
)

// MetadataRecord is one keyed record in the metadata store. The Key doubles as
// the change-log partition key and is immutable once written.
//
// Attributes are opaque to the pipeline; the upload gateway fills in owner,
// comment, content length and friends, and the processing worker interprets
// them on the far side.
type MetadataRecord struct {
	Key        string            `json:"key"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so images in the change log never alias live
// store state.
func (r *MetadataRecord) Clone() *MetadataRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}

// Attribute returns the named attribute or "" when absent.
func (r *MetadataRecord) Attribute(name string) string {
	if r == nil || r.Attributes == nil {
		return ""
	}
	return r.Attributes[name]
}

// ChangeEvent is one durably appended entry in the change log.
//
// SequenceNumber is assigned by the log at append time and increases
// monotonically within a shard; because a partition key is always routed to
// the same shard for the shard's lifetime, it also increases monotonically
// per partition key. Events are never mutated after append.
type ChangeEvent struct {
	Type           EventType       `json:"eventType"`
	PartitionKey   string          `json:"partitionKey"`
	ShardID        string          `json:"shardId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	OldImage       *MetadataRecord `json:"oldImage,omitempty"`
	NewImage       *MetadataRecord `json:"newImage,omitempty"`
	AppendedAt     time.Time       `json:"appendedAt"`
}

// Well-known attribute names written by the upload gateway.
const (
	AttrOwner            = "owner"
	AttrComment          = "comment"
	AttrContentLength    = "contentLength"
	AttrRegistrationDate = "registrationDate"
	AttrDestinationID    = "destinationSystemId"
)
