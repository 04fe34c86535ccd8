package types

import "strings"

// Format is an image encoding format
type Format struct {
	Name      string
	MediaType string
	Extension string
}

var (
	FormatUnknown Format = Format{Name: "unknown", MediaType: "application/octet-stream", Extension: ""}
	FormatJPEG    Format = Format{Name: "jpg", MediaType: "image/jpeg", Extension: "jpg"}
	FormatPNG     Format = Format{Name: "png", MediaType: "image/png", Extension: "png"}
	FormatGIF     Format = Format{Name: "gif", MediaType: "image/gif", Extension: "gif"}
	FormatTIFF    Format = Format{Name: "tif", MediaType: "image/tiff", Extension: "tif"}
	FormatWEBP    Format = Format{Name: "webp", MediaType: "image/webp", Extension: "webp"}
	FormatJP2     Format = Format{Name: "jp2", MediaType: "image/jp2", Extension: "jp2"}
)

var knownFormats = []Format{FormatJPEG, FormatPNG, FormatGIF, FormatTIFF, FormatWEBP, FormatJP2}

// GetFormatByExtension returns a format for the given extension, FormatUnknown if not known
func GetFormatByExtension(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpeg":
		ext = "jpg"
	case "tiff":
		ext = "tif"
	}

	for _, format := range knownFormats {
		if format.Extension == ext {
			return format
		}
	}
	return FormatUnknown
}

// GetFormatByMediaType returns a format for the given media type, FormatUnknown if not known
func GetFormatByMediaType(mediaType string) Format {
	for _, format := range knownFormats {
		if format.MediaType == mediaType {
			return format
		}
	}
	return FormatUnknown
}

// IsUnknown checks if the format is unknown
func (format Format) IsUnknown() bool {
	return format.Name == FormatUnknown.Name
}
