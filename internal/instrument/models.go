package instrument

import (
	"encoding/json"
	"time"
)

// Document is the slide instrument of one class. Version starts at 0 and
// grows by exactly one per persisted snapshot change.
type Document struct {
	ID        string    `json:"documentId" bson:"_id" gorm:"primaryKey;size:36"`
	OwnerID   int64     `json:"ownerId" bson:"ownerId" gorm:"uniqueIndex:uniq_instrument_owner;not null"`
	Snapshot  string    `json:"snapshot" bson:"snapshot" gorm:"type:text;not null"`
	Version   int64     `json:"version" bson:"version" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (Document) TableName() string { return "instrument_documents" }

// ChangeLogEntry is an append-only audit record. Payload holds small
// metadata only, never the snapshot.
type ChangeLogEntry struct {
	ID         string    `json:"id" bson:"_id" gorm:"primaryKey;size:26"`
	DocumentID string    `json:"documentId" bson:"documentId" gorm:"size:36;not null"`
	OwnerID    int64     `json:"ownerId" bson:"ownerId" gorm:"index:idx_changes_owner_created,priority:1;not null"`
	Actor      string    `json:"actor" bson:"actor" gorm:"size:255;not null"`
	EventType  string    `json:"eventType" bson:"eventType" gorm:"size:64;not null"`
	Summary    string    `json:"summary" bson:"summary" gorm:"size:300;not null"`
	Payload    string    `json:"payload,omitempty" bson:"payload,omitempty" gorm:"type:text"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt" gorm:"index:idx_changes_owner_created,priority:2;not null"`
}

func (ChangeLogEntry) TableName() string { return "instrument_change_logs" }

// Broadcast is published on the document topic after an update.
type Broadcast struct {
	DocumentID     string          `json:"documentId"`
	OwnerID        int64           `json:"ownerId"`
	Snapshot       json.RawMessage `json:"snapshot"`
	Version        int64           `json:"version"`
	Actor          string          `json:"actor"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	OriginatorTag  string          `json:"originatorTag,omitempty"`
	ChangeLogEntry *ChangeLogEntry `json:"changeLogEntry,omitempty"`
}

// StreamVersion orders broadcasts on the document topic.
func (b Broadcast) StreamVersion() int64 { return b.Version }

// Error codes delivered on the private error queue.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeUpdateFailed    = "UPDATE_FAILED"
	CodeUnhandled       = "UNHANDLED"
)

// ErrorMessage is sent privately to the connection whose update failed.
type ErrorMessage struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	OwnerID       *int64    `json:"ownerId,omitempty"`
	OriginatorTag string    `json:"originatorTag,omitempty"`
	At            time.Time `json:"at"`
}

const (
	DefaultEventType = "SNAPSHOT_UPDATE"
	DefaultSummary   = "Updated the document"
	MaxSummaryRunes  = 300
)

type slideStyles struct {
	FontSize       string `json:"fontSize"`
	FontWeight     string `json:"fontWeight"`
	FontStyle      string `json:"fontStyle"`
	TextDecoration string `json:"textDecoration"`
	FontFamily     string `json:"fontFamily"`
}

type slide struct {
	ID         int               `json:"id"`
	Content    string            `json:"content"`
	Styles     slideStyles       `json:"styles"`
	TextBoxes  []json.RawMessage `json:"textBoxes"`
	Images     []json.RawMessage `json:"images"`
	Instrument *json.RawMessage  `json:"instrument"`
	Tags       []string          `json:"tags"`
}

// DefaultSnapshot returns the content of a freshly provisioned document:
// two empty slides in the layout the editor expects.
func DefaultSnapshot() string {
	styles := slideStyles{FontSize: "24px", FontWeight: "normal", FontStyle: "normal", TextDecoration: "none", FontFamily: "Nunito"}
	slides := make([]slide, 0, 2)
	for i := 1; i <= 2; i++ {
		slides = append(slides, slide{
			ID:        i,
			Styles:    styles,
			TextBoxes: []json.RawMessage{},
			Images:    []json.RawMessage{},
			Tags:      []string{},
		})
	}
	b, _ := json.Marshal(slides)
	return string(b)
}
