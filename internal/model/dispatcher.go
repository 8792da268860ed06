package model

import (
	"time"
)

// DispatcherLeaderSingletonID is the ID of the one leadership row.
const DispatcherLeaderSingletonID = "singleton"

// DispatcherLeader records which server currently claims build jobs.
type DispatcherLeader struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	ServerID    string    `gorm:"column:server_id;not null;type:text" json:"server_id"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at;not null" json:"heartbeat_at"`
	AcquiredAt  time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
}

func (DispatcherLeader) TableName() string { return "dispatcher_leaders" }
