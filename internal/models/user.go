package models

import (
	"strings"
	"time"
)

// User is a directory record for a person who may edit instruments.
type User struct {
	ID        int64     `bson:"_id" json:"id"`
	Email     string    `bson:"email" json:"email"`
	Username  string    `bson:"username" json:"username"`
	Roles     []string  `bson:"roles" json:"roles"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Class owns exactly one instrument document. EditorIDs are the teacher
// ids allowed to edit it.
type Class struct {
	ID        int64     `bson:"_id" json:"id"`
	SchoolID  int64     `bson:"schoolId" json:"schoolId"`
	Name      string    `bson:"name" json:"name"`
	Shift     string    `bson:"shift,omitempty" json:"shift,omitempty"`
	Active    bool      `bson:"active" json:"active"`
	EditorIDs []int64   `bson:"editorIds" json:"editorIds"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// HasEditor reports whether userID is in the class's editor set.
func (c *Class) HasEditor(userID int64) bool {
	for _, id := range c.EditorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Principal is the identity bound to a request or connection.
type Principal struct {
	Name          string   `json:"name"`
	Roles         []string `json:"roles,omitempty"`
	Authenticated bool     `json:"authenticated"`
}

// Anonymous is the principal of a connection without valid credentials.
var Anonymous = Principal{}

// IsAdmin is true for ADMIN or ROLE_ADMIN, case-insensitive.
func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		switch strings.ToUpper(strings.TrimSpace(r)) {
		case "ADMIN", "ROLE_ADMIN":
			return true
		}
	}
	return false
}
