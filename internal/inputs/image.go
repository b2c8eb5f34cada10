package inputs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// maxProbeBytes bounds how much of a remote image is read to find its size.
const maxProbeBytes = 8 << 20

// Dimensions decodes only the image header. Remote files are fetched with
// client, reading at most maxProbeBytes.
func Dimensions(ctx context.Context, client *http.Client, f File) (int, int, error) {
	var r io.Reader
	if f.IsURL() {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
		if err != nil {
			return 0, 0, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, 0, fmt.Errorf("fetch %s: status %d", f.URL, resp.StatusCode)
		}
		r = io.LimitReader(resp.Body, maxProbeBytes)
	} else {
		r = bytes.NewReader(f.Data)
	}
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Downscale shrinks data so its longest side is at most maxSide, keeping the
// aspect ratio. JPEG stays JPEG, everything else is re-encoded as PNG.
// The input comes back unchanged, with false, when it already fits or cannot
// be decoded.
func Downscale(data []byte, maxSide int) ([]byte, bool) {
	if maxSide <= 0 {
		return data, false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || max(cfg.Width, cfg.Height) <= maxSide {
		return data, false
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, false
	}

	w, h := cfg.Width, cfg.Height
	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 92})
	} else {
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return data, false
	}
	return buf.Bytes(), true
}
