package types

// Identifier identifies a source image
type Identifier string

// String returns string form of the identifier
func (identifier Identifier) String() string {
	return string(identifier)
}

// IsEmpty checks if the identifier is empty
func (identifier Identifier) IsEmpty() bool {
	return len(identifier) == 0
}
