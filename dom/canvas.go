package dom

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/net/html"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Canvas is the pixel state of a <canvas> element. Context is "2d", "webgl"
// or "" when no context was ever requested. Pix holds one packed RGBA value
// per pixel, row-major.
type Canvas struct {
	Width   int
	Height  int
	Context string
	Pix     []uint32
}

// NewCanvas returns a transparent canvas.
func NewCanvas(w, h int, context string) *Canvas {
	return &Canvas{Width: w, Height: h, Context: context, Pix: make([]uint32, w*h)}
}

// Set writes one pixel.
func (c *Canvas) Set(x, y int, rgba uint32) {
	if x < 0 || y < 0 || x >= c.Width || y >= c.Height {
		return
	}
	c.Pix[y*c.Width+x] = rgba
}

// ImageData copies a w×h block starting at (x, y), clipped to the canvas.
func (c *Canvas) ImageData(x, y, w, h int) ([]uint32, error) {
	if len(c.Pix) < c.Width*c.Height {
		return nil, fmt.Errorf("dom: canvas: pixel buffer too short")
	}
	out := make([]uint32, 0, w*h)
	for row := y; row < y+h && row < c.Height; row++ {
		for col := x; col < x+w && col < c.Width; col++ {
			out = append(out, c.Pix[row*c.Width+col])
		}
	}
	return out, nil
}

// Image returns the canvas as an image.
func (c *Canvas) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, c.Width, c.Height))
	for i, p := range c.Pix {
		if i >= c.Width*c.Height {
			break
		}
		img.SetNRGBA(i%c.Width, i/c.Width, color.NRGBA{
			R: uint8(p >> 24), G: uint8(p >> 16), B: uint8(p >> 8), A: uint8(p),
		})
	}
	return img
}

// ToDataURL encodes the canvas like HTMLCanvasElement.toDataURL. Unknown
// types fall back to PNG; quality applies to JPEG and is in [0, 1].
func (c *Canvas) ToDataURL(mimeType string, quality float64) (string, error) {
	return EncodeDataURL(c.Image(), mimeType, quality)
}

// EncodeDataURL encodes img as a base64 data URL.
func EncodeDataURL(img image.Image, mimeType string, quality float64) (string, error) {
	var buf bytes.Buffer
	switch mimeType {
	case "image/jpeg":
		q := 92
		if quality > 0 && quality <= 1 {
			q = int(quality * 100)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return "", fmt.Errorf("dom: encode jpeg: %w", err)
		}
	default:
		mimeType = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("dom: encode png: %w", err)
		}
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Image is the decoded state of an <img> element. Tainted images cannot be
// read back unless CORSAllowed and the element opts into anonymous CORS.
type Image struct {
	Complete    bool
	Img         image.Image
	Tainted     bool
	CORSAllowed bool
}

// NaturalSize returns the intrinsic dimensions, 0×0 when not decoded.
func (im *Image) NaturalSize() (int, int) {
	if im == nil || im.Img == nil {
		return 0, 0
	}
	b := im.Img.Bounds()
	return b.Dx(), b.Dy()
}

// DecodeImage decodes PNG, JPEG, GIF, WebP or BMP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dom: decode image: %w", err)
	}
	return img, nil
}

// DrawImage renders im onto a fresh canvas-sized RGBA surface, the way a
// 2d context drawImage(img, 0, 0) would.
func DrawImage(im image.Image) *image.RGBA {
	b := im.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), im, b.Min, draw.Src)
	return dst
}

// SetCanvas attaches pixel state to a <canvas>.
func (d *Document) SetCanvas(n *html.Node, c *Canvas) { d.canvases[n] = c }

// CanvasOf returns the canvas state, or nil when none was recorded.
func (d *Document) CanvasOf(n *html.Node) *Canvas { return d.canvases[n] }

// SetImage attaches decoded state to an <img>.
func (d *Document) SetImage(n *html.Node, im *Image) { d.images[n] = im }

// ImageOf returns the image state, or nil.
func (d *Document) ImageOf(n *html.Node) *Image { return d.images[n] }
