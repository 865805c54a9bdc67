// Package imaging re-encodes staged image uploads as smaller lossy JPEGs.
package imaging

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
)

const jpegQuality = 70

// Recompress decodes the image at path and rewrites it in place as a JPEG.
// The original file is left untouched unless the re-encode fully succeeds.
func Recompress(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("imaging: open %s: %w", path, err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("imaging: decode %s: %w", path, err)
	}

	tmp := path + ".jpg.tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("imaging: create %s: %w", tmp, err)
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("imaging: encode %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("imaging: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("imaging: replace %s: %w", path, err)
	}
	return nil
}
