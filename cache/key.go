package cache

import (
	"strings"

	"github.com/cyverse/imagecache-common/types"
	"github.com/cyverse/imagecache-common/utils"
)

const (
	infoKeyPrefix   string = "info/"
	imageKeyPrefix  string = "image/"
	sourceKeyPrefix string = "source/"
)

// EntryKind is a kind of cache entry
type EntryKind int

const (
	// KindInfo is an info record
	KindInfo EntryKind = iota
	// KindImage is a derivative image
	KindImage
	// KindSource is a source image file
	KindSource
)

// String returns string form of EntryKind
func (kind EntryKind) String() string {
	switch kind {
	case KindInfo:
		return "info"
	case KindSource:
		return "source"
	default:
		return "image"
	}
}

// Key identifies a cache entry, it is comparable and can be used as a map key
type Key struct {
	kind       EntryKind
	identifier types.Identifier
	operations string
	extension  string
}

// KeyForInfo returns a key for the info record of the identifier
func KeyForInfo(identifier types.Identifier) Key {
	return Key{
		kind:       KindInfo,
		identifier: identifier,
	}
}

// KeyForImage returns a key for the derivative image of the operation list
func KeyForImage(opList *types.OperationList) Key {
	return Key{
		kind:       KindImage,
		identifier: opList.GetIdentifier(),
		operations: opList.String(),
		extension:  opList.GetOutputFormat().Extension,
	}
}

// KeyForSource returns a key for the source image file of the identifier
func KeyForSource(identifier types.Identifier) Key {
	return Key{
		kind:       KindSource,
		identifier: identifier,
	}
}

// NewImageKey returns a key for a derivative image from its stored parts
func NewImageKey(identifier types.Identifier, operations string, extension string) Key {
	return Key{
		kind:       KindImage,
		identifier: identifier,
		operations: operations,
		extension:  extension,
	}
}

// ScopePrefixForIdentifier returns the prefix shared by all image keys of the identifier
func ScopePrefixForIdentifier(identifier types.Identifier) string {
	return imageKeyPrefix + utils.MakeMD5Hash(identifier.String()) + "/"
}

// GetKind returns kind
func (key Key) GetKind() EntryKind {
	return key.kind
}

// IsInfo checks if the key is for an info record
func (key Key) IsInfo() bool {
	return key.kind == KindInfo
}

// IsImage checks if the key is for a derivative image
func (key Key) IsImage() bool {
	return key.kind == KindImage
}

// GetIdentifier returns identifier
func (key Key) GetIdentifier() types.Identifier {
	return key.identifier
}

// GetOperations returns canonical operation list string, empty for info keys
func (key Key) GetOperations() string {
	return key.operations
}

// GetExtension returns file extension without dot, empty for info keys
func (key Key) GetExtension() string {
	switch key.kind {
	case KindInfo:
		return "json"
	case KindSource:
		return ""
	default:
		return key.extension
	}
}

// GetIdentifierHash returns md5 hash of the identifier
func (key Key) GetIdentifierHash() string {
	return utils.MakeMD5Hash(key.identifier.String())
}

// GetOperationsHash returns md5 hash of the operation list string
func (key Key) GetOperationsHash() string {
	return utils.MakeMD5Hash(key.operations)
}

// GetScopePrefix returns the identifier scope prefix
func (key Key) GetScopePrefix() string {
	return ScopePrefixForIdentifier(key.identifier)
}

// GetContentType returns media type of the entry payload
func (key Key) GetContentType() string {
	switch key.kind {
	case KindInfo:
		return "application/json"
	case KindSource:
		return types.FormatUnknown.MediaType
	default:
		return types.GetFormatByExtension(key.extension).MediaType
	}
}

// String returns the opaque key string
func (key Key) String() string {
	switch key.kind {
	case KindInfo:
		return infoKeyPrefix + key.GetIdentifierHash()
	case KindSource:
		return sourceKeyPrefix + key.GetIdentifierHash()
	}

	sb := strings.Builder{}
	sb.WriteString(key.GetScopePrefix())
	sb.WriteString(key.GetOperationsHash())
	if len(key.extension) > 0 {
		sb.WriteString(".")
		sb.WriteString(key.extension)
	}
	return sb.String()
}
