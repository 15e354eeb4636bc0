package db

import (
	"time"

	"gorm.io/gorm"
)

// Lab aggregate states.
const (
	LabStateQueued   = "queued"
	LabStateStarting = "starting"
	LabStateRunning  = "running"
	LabStateError    = "error"
	LabStateStopped  = "stopped"
	LabStateUnknown  = "unknown"
)

// Image sync states for a placed node.
const (
	ImageSyncUnset    = "unset"
	ImageSyncChecking = "checking"
	ImageSyncSyncing  = "syncing"
	ImageSyncSynced   = "synced"
	ImageSyncFailed   = "failed"
)

// Link states. Desired is operator intent, actual is last observation.
const (
	LinkUp      = "up"
	LinkDown    = "down"
	LinkUnknown = "unknown"
)

// Job lifecycle states. Terminal states are immutable once set.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Host statuses as tracked from heartbeats.
const (
	HostHealthy = "healthy"
	HostUnknown = "unknown"
)

// User is a long-lived account referenced by labs, jobs and webhooks.
type User struct {
	gorm.Model
	Username string `gorm:"uniqueIndex"`
}

// Host represents an agent-equipped machine running a provider backend.
type Host struct {
	gorm.Model
	HostID        string `gorm:"uniqueIndex"`
	Address       string
	Status        string
	CPUPercent    float64
	MemPercent    float64
	DiskPercent   float64
	StartedAt     time.Time
	Local         bool // co-located with the controller, enables local rebuilds
	LastHeartbeat time.Time
}

// Lab is a deployable network topology instance. Provider is immutable
// after creation.
type Lab struct {
	gorm.Model
	LabID          string `gorm:"uniqueIndex"`
	Name           string
	OwnerID        *uint
	Provider       string
	WorkspaceDir   string
	State          string
	StateError     string
	StateChangedAt time.Time
	HostID         *uint
}

// NodeDefinition is a catalog entry describing a device kind and its image.
// Placements reference it loosely and survive its deletion.
type NodeDefinition struct {
	gorm.Model
	Name   string `gorm:"uniqueIndex"`
	Kind   string
	Image  string
	Vendor string
}

// NodePlacement assigns one topology node of a lab to a host. At most one
// active placement exists per (lab, node name).
type NodePlacement struct {
	gorm.Model
	LabID            uint   `gorm:"uniqueIndex:idx_placement_lab_node"`
	NodeName         string `gorm:"uniqueIndex:idx_placement_lab_node"`
	HostID           uint
	NodeDefinitionID *uint // nulled when the catalog entry is deleted
}

// NodeState carries runtime facts for a placement. MgmtIPs is a JSON array
// of addresses; the primary is element zero unless MgmtIP overrides it.
type NodeState struct {
	gorm.Model
	PlacementID      uint `gorm:"uniqueIndex"`
	ImageSyncStatus  string
	ImageSyncMessage string
	MgmtIP           string
	MgmtIPs          string // JSON blob, ordered
}

// LinkState tracks desired versus observed state of one lab link. One row
// per (lab, link name).
type LinkState struct {
	gorm.Model
	LabID           uint   `gorm:"uniqueIndex:idx_link_lab_name"`
	LinkName        string `gorm:"uniqueIndex:idx_link_lab_name"`
	SourceNode      string
	SourceInterface string
	TargetNode      string
	TargetInterface string
	DesiredState    string
	ActualState     string
	ErrorMessage    string
	LastObservedAt  time.Time
	Recheck         bool // set when an endpoint moved hosts, cleared after re-observation
}

// Job is a tracked asynchronous operation. LabID is nil for lab-independent
// jobs, UserID is nil for system-triggered ones.
type Job struct {
	gorm.Model
	JobID   string `gorm:"uniqueIndex"`
	LabID   *uint  `gorm:"index"`
	UserID  *uint
	Action  string
	Params  string // JSON object of action parameters
	Status  string
	LogPath string
}

// Webhook is a user-registered endpoint notified of domain events. A nil
// LabID subscribes to all labs.
type Webhook struct {
	gorm.Model
	WebhookID      string `gorm:"uniqueIndex"`
	OwnerID        *uint
	LabID          *uint
	URL            string
	Events         string // JSON array of subscribed event types
	Secret         string
	Headers        string // JSON object of extra request headers
	Enabled        bool
	LastDeliveryAt *time.Time
	LastStatusCode int
	LastError      string
}

// WebhookDelivery is an append-only audit record of one dispatch attempt.
type WebhookDelivery struct {
	gorm.Model
	WebhookRef   uint `gorm:"index"`
	Event        string
	LabID        *uint
	JobID        *uint
	Payload      string
	StatusCode   int
	ResponseBody string
	Error        string
	DurationMS   int64
	Success      bool
}
