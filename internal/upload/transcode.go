package upload

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
)

// Transcode re-encodes decoded image bytes into the named target format at
// the given quality (0-100; ignored by formats without a quality knob).
// format is derived by the caller from the extension (leading dot stripped,
// uppercased), per the engine transcoder contract.
func Transcode(src []byte, format string, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decoding source image: %w", err)
	}

	var buf bytes.Buffer
	switch strings.ToUpper(format) {
	case "JPEG", "JPG":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: clampQuality(quality)})
	case "PNG":
		err = png.Encode(&buf, img)
	case "WEBP":
		err = webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(clampQuality(quality))})
	default:
		return nil, fmt.Errorf("unsupported target format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding to %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func clampQuality(q int) int {
	if q <= 0 {
		return 90
	}
	if q > 100 {
		return 100
	}
	return q
}

// ContentType maps a file extension (including leading dot, e.g. ".png") to
// its MIME type per the fixed table the spec defines. Unknown extensions
// return an empty string, leaving Content-Type unset on upload.
func ContentType(extension string) string {
	switch strings.ToLower(extension) {
	case ".jpeg", ".jpg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
