package types

import (
	"fmt"
	"strconv"
)

// Operation is an image transform in an OperationList
type Operation interface {
	// String returns canonical string form of the operation
	String() string
	// IsNoOp checks if the operation has no effect and can be omitted from keys
	IsNoOp() bool
}

// Crop crops a region
type Crop struct {
	X      int
	Y      int
	Width  int
	Height int
	Full   bool
}

func (crop *Crop) String() string {
	if crop.Full {
		return "crop:full"
	}
	return fmt.Sprintf("crop:%d,%d,%d,%d", crop.X, crop.Y, crop.Width, crop.Height)
}

func (crop *Crop) IsNoOp() bool {
	return crop.Full
}

// Scale resizes to given dimensions or percent
type Scale struct {
	Width   int
	Height  int
	Percent float64
}

func (scale *Scale) String() string {
	if scale.Percent > 0 {
		return "scale:pct:" + strconv.FormatFloat(scale.Percent, 'f', -1, 64)
	}
	return fmt.Sprintf("scale:%d,%d", scale.Width, scale.Height)
}

func (scale *Scale) IsNoOp() bool {
	if scale.Percent > 0 {
		return scale.Percent == 100
	}
	return scale.Width <= 0 && scale.Height <= 0
}

// Rotate rotates by degrees
type Rotate struct {
	Degrees float64
}

func (rotate *Rotate) String() string {
	return "rotate:" + strconv.FormatFloat(rotate.Degrees, 'f', -1, 64)
}

func (rotate *Rotate) IsNoOp() bool {
	return int64(rotate.Degrees*1000)%360000 == 0
}

// Encode encodes to a target format
type Encode struct {
	Format  Format
	Quality int
}

func (encode *Encode) String() string {
	if encode.Quality > 0 {
		return fmt.Sprintf("encode:%s,%d", encode.Format.Name, encode.Quality)
	}
	return "encode:" + encode.Format.Name
}

func (encode *Encode) IsNoOp() bool {
	return false
}
