package model

import "time"

// Document is one row of a per-type document table (commanders,
// settlements, factions, relations). Data holds the jsonb body as of Version.
type Document struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	Data      string    `gorm:"column:data;type:jsonb;not null" json:"data"`
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}
