package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&FrameRecord{},
	&StepRecord{},
	&Reconstruction{},
	&EventRecord{},
}

// FrameRecord is one stored bus frame. Frames of one step share OrderKey;
// ID preserves insertion order inside the group.
type FrameRecord struct {
	ID        uint           `json:"id" gorm:"primarykey;autoIncrement"`
	OrderKey  uint64         `json:"orderKey" gorm:"index:idx_frame_key_id,priority:1;not null"`
	CanID     uint16         `json:"canId" gorm:"not null"`
	DLC       uint8          `json:"dlc" gorm:"not null"`
	Data      datatypes.JSON `json:"data" gorm:"type:text"` // JSON array of DLC bytes
	Endian    string         `json:"endian" gorm:"size:8"`
	Timestamp time.Time      `json:"timestamp" gorm:"index"`
}

func (*FrameRecord) TableName() string {
	return "can_messages"
}

// StepRecord is the out-of-band label and byte order of one order key.
type StepRecord struct {
	OrderKey uint64    `json:"orderKey" gorm:"primaryKey;autoIncrement:false"`
	StepName string    `json:"stepName" gorm:"size:255"`
	Endian   string    `json:"endian" gorm:"size:8"`
	StoredAt time.Time `json:"storedAt"`
}

func (*StepRecord) TableName() string {
	return "steps"
}

// Reconstruction caches a successfully decoded step.
type Reconstruction struct {
	OrderKey        uint64         `json:"orderKey" gorm:"primaryKey;autoIncrement:false"`
	StepName        string         `json:"stepName" gorm:"size:255"`
	Step            datatypes.JSON `json:"step"`
	ReconstructedAt time.Time      `json:"reconstructedAt"`
}

func (*Reconstruction) TableName() string {
	return "reconstructions"
}

// EventRecord is a free-form event entry.
type EventRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

func (*EventRecord) TableName() string {
	return "events"
}
