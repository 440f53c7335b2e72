package models

import "time"

// Build status values recorded in build history rows.
const (
	BuildStatusInstalling = "installing"
	BuildStatusComplete   = "complete"
	BuildStatusFailed     = "failed"

	AssignedStatusNotAssigned = "not assigned"
	AssignedStatusAssigned    = "assigned"
)

// Preconfig is a preconfiguration record staged for a depot, keyed by the
// upstream database id (dbid).
type Preconfig struct {
	DBID          string                 `gorm:"primaryKey;size:100;column:dbid" json:"dbid"`
	Depot         int                    `gorm:"not null;index" json:"depot"`
	ApplianceSize string                 `gorm:"size:100" json:"appliance_size,omitempty"`
	Config        map[string]interface{} `gorm:"serializer:json;not null" json:"config"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	PushedAt      *time.Time             `json:"pushed_at,omitempty"`
	CreatedBy     string                 `gorm:"size:255" json:"created_by,omitempty"`
}

func (Preconfig) TableName() string {
	return "preconfigs"
}

// BuildHistory is one server build attempt reported by a build server.
type BuildHistory struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UUID           string     `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	Hostname       string     `gorm:"size:255;not null;index" json:"hostname"`
	RackID         string     `gorm:"size:50;not null" json:"rack_id"`
	DBID           string     `gorm:"size:100;not null;index;column:dbid" json:"dbid"`
	SerialNumber   string     `gorm:"size:100;not null;uniqueIndex" json:"serial_number"`
	MachineType    string     `gorm:"size:50;default:Server" json:"machine_type"`
	Bundle         string     `gorm:"size:100" json:"bundle,omitempty"`
	IPAddress      string     `gorm:"size:45" json:"ip_address,omitempty"`
	MACAddress     string     `gorm:"size:17" json:"mac_address,omitempty"`
	BuildServer    string     `gorm:"size:255;not null;index" json:"build_server"`
	PercentBuilt   int        `gorm:"default:0" json:"percent_built"`
	BuildStatus    string     `gorm:"size:20;not null;default:installing" json:"build_status"`
	AssignedStatus string     `gorm:"size:20;not null;default:not assigned" json:"assigned_status"`
	BuildStart     time.Time  `gorm:"not null;index" json:"build_start"`
	BuildEnd       *time.Time `json:"build_end,omitempty"`
	AssignedBy     string     `gorm:"size:255" json:"assigned_by,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (BuildHistory) TableName() string {
	return "build_history"
}

// Repaired tracks machines that came back from repair.
type Repaired struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UUID         string    `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	DateAdded    time.Time `gorm:"not null" json:"date_added"`
	SerialNumber string    `gorm:"size:100;not null;index" json:"serial_number"`
	MachineType  string    `gorm:"size:50;not null" json:"machine_type"`
	MACAddress   string    `gorm:"size:17" json:"mac_address,omitempty"`
	Hostname     string    `gorm:"size:255" json:"hostname,omitempty"`
	IPAddress    string    `gorm:"size:45" json:"ip_address,omitempty"`
	BuildServer  string    `gorm:"size:255;not null;index" json:"build_server"`
}

func (Repaired) TableName() string {
	return "repaired"
}

// PushCreds records the outcome of a credential push run on a build server.
type PushCreds struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	DateAdded           time.Time  `gorm:"not null" json:"date_added"`
	DateModified        *time.Time `json:"date_modified,omitempty"`
	Hostname            string     `gorm:"size:255;not null;index" json:"hostname"`
	Status              string     `gorm:"size:50;not null" json:"status"`
	PushType            string     `gorm:"size:50;not null" json:"push_type"`
	CredsProcessedCount int        `gorm:"default:0" json:"creds_processed_count"`
	CredsPushedCount    int        `gorm:"default:0" json:"creds_pushed_count"`
	BuildServer         string     `gorm:"size:255;not null;index" json:"build_server"`
}

func (PushCreds) TableName() string {
	return "push_creds"
}
