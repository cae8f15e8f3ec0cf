package snapshot

import (
	"errors"
	"sync/atomic"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
	"github.com/hazyhaar/domreplay/mutation"
)

const canvasChunk = 50

// Is2DCanvasBlank reports whether every pixel is zero. The canvas is read
// in 50x50 chunks so a non-blank canvas usually answers early. Read errors
// count as blank.
func Is2DCanvasBlank(c *dom.Canvas) bool {
	if c == nil {
		return true
	}
	for x := 0; x < c.Width; x += canvasChunk {
		for y := 0; y < c.Height; y += canvasChunk {
			px, err := c.ImageData(x, y, min(canvasChunk, c.Width-x), min(canvasChunk, c.Height-y))
			if err != nil {
				return true
			}
			for _, p := range px {
				if p != 0 {
					return false
				}
			}
		}
	}
	return true
}

// canvasDataURL returns the rr_dataURL of a canvas, or "" when nothing worth
// keeping is drawn on it.
func (s *Serializer) canvasDataURL(c *dom.Canvas) string {
	if c == nil {
		return ""
	}
	switch c.Context {
	case "2d":
		if Is2DCanvasBlank(c) {
			return ""
		}
		u, err := c.ToDataURL(s.opts.DataURL.Type, s.opts.DataURL.Quality)
		if err != nil {
			s.log.Debug("snapshot: canvas encode", "error", err)
			return ""
		}
		return u
	case "":
		u, err := c.ToDataURL(s.opts.DataURL.Type, s.opts.DataURL.Quality)
		if err != nil {
			return ""
		}
		blank, err := dom.NewCanvas(c.Width, c.Height, "").ToDataURL(s.opts.DataURL.Type, s.opts.DataURL.Quality)
		if err != nil || u == blank {
			return ""
		}
		return u
	}
	return ""
}

var errImageTainted = errors.New("snapshot: image is tainted")

func (s *Serializer) readImage(el *html.Node, im *dom.Image) (string, error) {
	if im == nil || im.Img == nil {
		return "", errors.New("snapshot: image has no pixels")
	}
	if im.Tainted && !(dom.GetAttr(el, "crossorigin") == "anonymous" && im.CORSAllowed) {
		return "", errImageTainted
	}
	return dom.EncodeDataURL(dom.DrawImage(im.Img), s.opts.DataURL.Type, s.opts.DataURL.Quality)
}

func imageReady(im *dom.Image) bool {
	if im == nil || !im.Complete {
		return false
	}
	w, _ := im.NaturalSize()
	return w != 0
}

// inlineImage captures the pixels of an <img> into rr_dataURL, now when the
// image is decoded or on its next load otherwise. A tainted read is retried
// once with crossorigin=anonymous; the prior crossorigin is put back after.
func (s *Serializer) inlineImage(doc *dom.Document, el *html.Node, sn *mutation.Node) {
	prior, hadPrior := dom.Attr(el, "crossorigin")
	src := dom.GetAttr(el, "src")
	if src == "" {
		src = "<unknown-src>"
	}
	var async atomic.Bool

	var record func()
	record = func() {
		im := doc.ImageOf(el)
		dataURL, err := s.readImage(el, im)
		if err != nil {
			if dom.GetAttr(el, "crossorigin") != "anonymous" {
				doc.SetAttribute(el, "crossorigin", "anonymous")
				if imageReady(im) {
					record()
				} else {
					async.Store(true)
					s.onceLoaded(doc, el, record)
				}
				return
			}
			s.log.Warn("snapshot: cannot inline image", "src", src, "error", err)
		} else {
			sn.Attributes["rr_dataURL"] = dataURL
		}
		if dom.GetAttr(el, "crossorigin") == "anonymous" {
			if hadPrior {
				sn.Attributes["crossorigin"] = prior
				doc.SetAttribute(el, "crossorigin", prior)
			} else {
				doc.RemoveAttribute(el, "crossorigin")
			}
		}
		if err == nil && async.Load() && s.opts.OnImageLoad != nil && s.mirror.HasNode(el) {
			s.opts.OnImageLoad(el, sn)
		}
	}

	if imageReady(doc.ImageOf(el)) {
		record()
		return
	}
	async.Store(true)
	s.onceLoaded(doc, el, record)
}
