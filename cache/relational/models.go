package relational

import "time"

const (
	// DefaultImageTableName is the default name of the derivative image table
	DefaultImageTableName string = "derivative_images"
	// DefaultInfoTableName is the default name of the info table
	DefaultInfoTableName string = "infos"
)

// DerivativeImage is a row of the derivative image table
// Operations is the full operation list string which starts with the identifier, so it is unique on its own.
type DerivativeImage struct {
	Operations   string    `gorm:"column:operations;primaryKey;size:767"`
	Identifier   string    `gorm:"column:identifier;index;size:767;not null"`
	Image        []byte    `gorm:"column:image"`
	LastModified time.Time `gorm:"column:last_modified;index;not null"`
}

// Info is a row of the info table
type Info struct {
	Identifier   string    `gorm:"column:identifier;primaryKey;size:767"`
	Info         string    `gorm:"column:info;type:text"`
	LastModified time.Time `gorm:"column:last_modified;index;not null"`
}
