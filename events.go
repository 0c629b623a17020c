package xgate

// Event types published by the gateway and sync workers.
const (
	EventResourceConnectivity = "resource.connectivity"
	EventRecordSynced         = "record.synced"
)

// Payload keys.
const (
	FieldResourceKey = "resource_key"
	FieldAddress     = "address"
	FieldPort        = "port"
	FieldCommand     = "command"
	FieldSequenceNo  = "sequence_no"
	FieldBlobURL     = "blob_url"
	FieldRecordKind  = "kind"
)

// ConnectivityEvent converts a gateway notice into a bus event.
func ConnectivityEvent(n ConnectivityNotice) Event {
	return NewEvent(EventResourceConnectivity,
		F(FieldResourceKey, n.ResourceKey),
		F(FieldAddress, n.Address),
		F(FieldPort, n.Port),
		F(FieldCommand, n.Command),
	)
}

// NoticeFromEvent recovers the gateway notice carried by a connectivity event.
func NoticeFromEvent(e Event) ConnectivityNotice {
	port, _ := e.Int64(FieldPort)
	return ConnectivityNotice{
		ResourceKey: e.String(FieldResourceKey),
		Address:     e.String(FieldAddress),
		Port:        int(port),
		Command:     e.String(FieldCommand),
	}
}

// IsDisconnect reports whether the notice takes the resource offline.
func (n ConnectivityNotice) IsDisconnect() bool { return n.Command == CommandDisconnect }

// RecordSyncedEvent announces that a record was committed for a resource.
func RecordSyncedEvent(resourceKey string, rec SyncRecord) Event {
	return NewEvent(EventRecordSynced,
		F(FieldResourceKey, resourceKey),
		F(FieldSequenceNo, rec.SequenceNo),
		F(FieldRecordKind, rec.Kind),
		F(FieldBlobURL, rec.BlobURL),
	)
}
