package store

import "time"

const (
	ArchetypeRegular        = "regular"
	ArchetypePrivateMessage = "private_message"
)

// Notification levels for topic_users rows.
const (
	NotificationMuted    = 0
	NotificationRegular  = 1
	NotificationTracking = 2
	NotificationWatching = 3
)

type User struct {
	ID                   string
	Username             string
	DisplayName          string
	Email                string
	PasswordHash         string
	Staff                bool
	TrustLevel           int
	AvatarRef            string
	NewTopicDurationSecs int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Group backs a project: its name is the project GUID, its visible flag is
// the project's public bit, and view_only_keys holds the dash-delimited
// share token list.
type Group struct {
	ID           string
	Name         string
	Visible      bool
	ViewOnlyKeys string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Topic struct {
	ID                int64
	Title             string
	Archetype         string
	TopicGUID         string
	ParentGUIDs       string // stored "-a-b-" form, innermost-first
	Pinned            bool
	HighestPostNumber int
	CreatedAt         time.Time
	BumpedAt          time.Time
	DeletedAt         *time.Time
}

// TopicUser is the per-user reading state of one topic.
type TopicUser struct {
	TopicID            int64
	UserID             string
	LastReadPostNumber int
	NotificationLevel  int
	Bookmarked         bool
	Posted             bool
	FirstVisitedAt     *time.Time
	LastVisitedAt      *time.Time
}

// Contributor is the display-only projection of a group member.
type Contributor struct {
	Username    string
	DisplayName string
	AvatarRef   string
}
