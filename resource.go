package xgate

import (
	"time"
)

// UninitializedCursor marks a resource whose sync cursor has never been armed.
const UninitializedCursor int64 = -1

// Credentials authenticate against a resource through the gateway.
type Credentials struct {
	Username string
	Password string
}

// Resource is the persisted state of one external device.
type Resource struct {
	Key           string    `json:"key"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	Password      string    `json:"-"`
	Active        bool      `json:"active"`
	Online        bool      `json:"online"`
	SyncEnabled   bool      `json:"sync_enabled"`
	// Cursor is the last committed sequence number. Zero replays the whole
	// device log on first sync; UninitializedCursor starts at the head.
	Cursor        int64     `json:"cursor"`
	Session       string    `json:"-"`
	LastOnlineAt  time.Time `json:"last_online_at"`
	LastOfflineAt time.Time `json:"last_offline_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewResource returns an active resource whose cursor is armed at the device
// head on first sync. Stores save Cursor verbatim, so registrations built as
// literals must set it themselves.
func NewResource(key string) Resource {
	return Resource{Key: key, Active: true, Cursor: UninitializedCursor}
}

// Credentials returns the login pair and whether both halves are set.
func (r Resource) Credentials() (Credentials, bool) {
	c := Credentials{Username: r.Username, Password: r.Password}
	return c, c.Username != "" && c.Password != ""
}

// ResourceUpdate is a partial update; nil fields are left untouched.
type ResourceUpdate struct {
	Address       *string
	Port          *int
	Online        *bool
	Session       *string
	Cursor        *int64
	LastOnlineAt  *time.Time
	LastOfflineAt *time.Time
}

// Empty reports whether u changes nothing.
func (u ResourceUpdate) Empty() bool {
	return u.Address == nil && u.Port == nil && u.Online == nil && u.Session == nil &&
		u.Cursor == nil && u.LastOnlineAt == nil && u.LastOfflineAt == nil
}

// Apply writes the set fields of u onto r.
func (u ResourceUpdate) Apply(r *Resource) {
	if u.Address != nil {
		r.Address = *u.Address
	}
	if u.Port != nil {
		r.Port = *u.Port
	}
	if u.Online != nil {
		r.Online = *u.Online
	}
	if u.Session != nil {
		r.Session = *u.Session
	}
	if u.Cursor != nil {
		r.Cursor = *u.Cursor
	}
	if u.LastOnlineAt != nil {
		r.LastOnlineAt = *u.LastOnlineAt
	}
	if u.LastOfflineAt != nil {
		r.LastOfflineAt = *u.LastOfflineAt
	}
}

// Ptr returns a pointer to v, handy for building a ResourceUpdate.
func Ptr[T any](v T) *T { return &v }

// Order is the sort direction of a gateway range fetch.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// SyncRecord is one record pulled from a resource.
type SyncRecord struct {
	SequenceNo int64          `json:"sequence_no"`
	OccurredAt time.Time      `json:"occurred_at"`
	Kind       string         `json:"kind,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	// BlobRef points at remote bytes still held by the resource.
	BlobRef string `json:"blob_ref,omitempty"`
	// BlobURL is set once the blob has been uploaded.
	BlobURL string `json:"blob_url,omitempty"`
}

// HasBlob reports whether the record references remote bytes.
func (r SyncRecord) HasBlob() bool { return r.BlobRef != "" }
