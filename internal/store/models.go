package store

import (
	"encoding/json"
	"time"
)

// Container status values shared by projects, boards and lists. Task statuses
// live in the policy package.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Board struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type List struct {
	ID         string    `json:"id"`
	BoardID    string    `json:"boardId"`
	ProjectID  string    `json:"projectId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	WIPLimited bool      `json:"isWipLimited"`
	WIPLimit   *int      `json:"wipLimit,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Task struct {
	ID        string    `json:"id"`
	ListID    string    `json:"listId"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Status    string    `json:"status"`
	Position  string    `json:"position"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Membership struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Version   int64  `json:"version"`
}

// Event is one immutable row of a project's event log. Seq is strictly
// increasing per project starting at 1.
type Event struct {
	ID        string          `json:"eventId"`
	ProjectID string          `json:"projectId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	TS        time.Time       `json:"ts"`
}

type Activity struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	TaskID    string          `json:"taskId,omitempty"`
	ActorID   string          `json:"actorId"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TaskScope is a task plus the archived status of every ancestor level,
// loaded in one query so scope checks see a consistent view.
type TaskScope struct {
	Task            Task
	ListArchived    bool
	BoardArchived   bool
	ProjectArchived bool
}

// ListScope is a list plus the archived status of its ancestors.
type ListScope struct {
	List            List
	BoardArchived   bool
	ProjectArchived bool
}

// Snapshot is the full current state of one project, sent to a realtime
// connection before any incremental events.
type Snapshot struct {
	Project     Project      `json:"project"`
	Boards      []Board      `json:"boards"`
	Lists       []List       `json:"lists"`
	Tasks       []Task       `json:"tasks"`
	Memberships []Membership `json:"memberships"`
	Seq         int64        `json:"seq"`
}
