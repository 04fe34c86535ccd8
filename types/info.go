package types

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// InfoImage describes one image (resolution) in a source image
type InfoImage struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	TileWidth   int    `json:"tileWidth"`
	TileHeight  int    `json:"tileHeight"`
	Orientation string `json:"orientation,omitempty"`
}

// Info is metadata describing a source image
type Info struct {
	Identifier     Identifier  `json:"identifier"`
	MediaType      string      `json:"mediaType"`
	NumResolutions int         `json:"numResolutions"`
	Images         []InfoImage `json:"images"`
}

// NewInfoFromJSON creates Info from JSON
func NewInfoFromJSON(data []byte) (*Info, error) {
	info := Info{}
	err := json.Unmarshal(data, &info)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal info JSON: %w", err)
	}
	return &info, nil
}

// ToJSON returns JSON bytes
func (info *Info) ToJSON() ([]byte, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal info to JSON: %w", err)
	}
	return data, nil
}

// IsPersistable checks if the info is complete enough to be cached
func (info *Info) IsPersistable() bool {
	if info == nil || len(info.Images) == 0 {
		return false
	}
	return info.Images[0].Width > 0 && info.Images[0].Height > 0
}
