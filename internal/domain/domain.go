// Package domain holds the entity types shared across every component,
// mirroring spec §3 DATA MODEL.
package domain

import "time"

// AccountState is the C4 session lifecycle state.
type AccountState string

const (
	AccountActive   AccountState = "active"
	AccountDegraded AccountState = "degraded"
	AccountRevoked  AccountState = "revoked"
)

// Account represents authorized Telegram user-session credentials.
// SessionMaterial holds the secretbox-sealed session blob — callers obtain
// the plaintext only via internal/secretbox.Box.Open, never by reading this
// field directly.
type Account struct {
	ID              string
	OwnerPrincipal  string
	Label           string
	SessionMaterial string
	State           AccountState
	LastValidatedAt time.Time
}

// StreamKind is the desired media kind for a Channel.
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamVideo StreamKind = "video"
)

// DesiredState is the operator-set intent for a Channel.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ObservedState is the reconciled runtime state of a Channel's worker.
type ObservedState string

const (
	ObservedStopped  ObservedState = "stopped"
	ObservedStarting ObservedState = "starting"
	ObservedRunning  ObservedState = "running"
	ObservedStopping ObservedState = "stopping"
	ObservedError    ObservedState = "error"
	ObservedUnknown  ObservedState = "unknown"
)

// Channel is a broadcast target bound to one account.
type Channel struct {
	ID                     string
	AccountID              string
	TargetChatID           string
	DisplayName            string
	StreamKind             StreamKind
	EncoderParams          string
	PlaceholderMedia       string
	DesiredState           DesiredState
	ObservedState          ObservedState
	AutoEndTimeoutSec      int
	AcceptedCodecProfiles  []string
}

// SourceKind classifies a PlaylistItem's source descriptor.
type SourceKind string

const (
	SourceWebURL     SourceKind = "web_url"
	SourceLocalPath  SourceKind = "local_path"
	SourceRadioStream SourceKind = "radio_stream"
)

// ItemStatus is the lifecycle state of a PlaylistItem.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemPlaying ItemStatus = "playing"
	ItemPlayed  ItemStatus = "played"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// Role is a principal's coarse authorization tier, also used as the
// priority-queue role base per spec §4.3.
type Role string

const (
	RoleUser       Role = "user"
	RoleOperator   Role = "operator"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
	RoleVIP        Role = "vip"
)

// PlaylistItem is an orderable unit of playback.
type PlaylistItem struct {
	ID              string
	ChannelID       string
	SourceKind      SourceKind
	SourceValue     string
	Title           string
	DurationSeconds int
	Thumbnail       string
	CodecProfile    string
	Status          ItemStatus
	RequesterID     string
	RequesterRole   Role
	CreatedAt       time.Time
}

// Discipline is the queue ordering policy.
type Discipline string

const (
	DisciplineFIFO     Discipline = "fifo"
	DisciplinePriority Discipline = "priority"
)

// WorkerLifecycle is C8's view of a worker process.
type WorkerLifecycle string

const (
	WorkerStarting WorkerLifecycle = "starting"
	WorkerRunning  WorkerLifecycle = "running"
	WorkerStopping WorkerLifecycle = "stopping"
	WorkerStopped  WorkerLifecycle = "stopped"
	WorkerFailed   WorkerLifecycle = "failed"
)

// WorkerRecord is C8's persisted view of a channel's worker.
type WorkerRecord struct {
	ChannelID        string
	Handle           string
	StartedAt        time.Time
	Lifecycle        WorkerLifecycle
	LastError        string
	RestartAttempts  int
	NextRestartAt    time.Time
}

// Principal is the validated caller identity attached to every request,
// per spec §6.1 (authentication itself is an external collaborator).
type Principal struct {
	ID   string
	Role Role
}

// SchedulerTrigger is a C9 wall-clock or recurring playback trigger.
type SchedulerTrigger struct {
	ID             string
	ChannelID      string
	PlaylistRef    string
	CronExpression string
	WallTime       time.Time
	Recurrence     string
	Enabled        bool
}
