package facade

import (
	"context"
	"io"

	"github.com/cyverse/imagecache-common/types"
)

// Processor reads and processes a source image, implemented by the image processing layer
type Processor interface {
	// ReadInfo reads the info of the source image
	ReadInfo(ctx context.Context) (*types.Info, error)
	// Process writes the derivative image of the operation list to w
	Process(ctx context.Context, opList *types.OperationList, info *types.Info, w io.Writer) error
}
