// Package differ compares PNG screenshots pixel by pixel and groups the
// differing pixels into rectangular clusters.
package differ

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/basket/shotreport/internal/report"
)

// Result is the outcome of comparing an expected and an actual image.
type Result struct {
	Equal         bool                 `json:"equal"`
	DiffPixels    int                  `json:"diffPixels"`
	DiffPercent   float32              `json:"diffPercent"`
	DimDiffer     bool                 `json:"dimDiffer"`
	Clusters      []report.DiffCluster `json:"diffClusters,omitempty"`
	DiffImagePath string               `json:"diffImagePath,omitempty"`
}

// PNG compares PNG files. Relative artifact paths resolve against BaseDir.
type PNG struct {
	BaseDir string
	// ClusterGap merges differing pixels that are at most this many pixels
	// apart into one cluster.
	ClusterGap int
}

func (p *PNG) resolve(path string) string {
	if p.BaseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.BaseDir, path)
}

// OpenImage opens the specified file and decodes it as PNG.
func OpenImage(filePath string) (image.Image, error) {
	reader, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	im, err := png.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return im, nil
}

// Equal reports whether two images have the same size and pixels.
func (p *PNG) Equal(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	img1, err := OpenImage(p.resolve(a))
	if err != nil {
		return false, err
	}
	img2, err := OpenImage(p.resolve(b))
	if err != nil {
		return false, err
	}
	if img1.Bounds().Size() != img2.Bounds().Size() {
		return false, nil
	}
	b1, b2 := img1.Bounds(), img2.Bounds()
	for y := 0; y < b1.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		for x := 0; x < b1.Dx(); x++ {
			if !sameColor(img1.At(b1.Min.X+x, b1.Min.Y+y), img2.At(b2.Min.X+x, b2.Min.Y+y)) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Compare diffs expected against actual. When diffPath is non-empty and the
// images differ, a diff mask is written there with differing pixels in
// magenta.
func (p *PNG) Compare(ctx context.Context, expected, actual, diffPath string) (Result, error) {
	img1, err := OpenImage(p.resolve(expected))
	if err != nil {
		return Result{}, err
	}
	img2, err := OpenImage(p.resolve(actual))
	if err != nil {
		return Result{}, err
	}
	b1, b2 := img1.Bounds(), img2.Bounds()

	cmpWidth := min(b1.Dx(), b2.Dx())
	cmpHeight := min(b1.Dy(), b2.Dy())
	resultWidth := max(b1.Dx(), b2.Dx())
	resultHeight := max(b1.Dy(), b2.Dy())

	mask := make([]bool, resultWidth*resultHeight)
	// Pixels outside the common area count as different.
	numDiff := resultWidth*resultHeight - cmpWidth*cmpHeight
	for y := 0; y < resultHeight; y++ {
		for x := 0; x < resultWidth; x++ {
			if x >= cmpWidth || y >= cmpHeight {
				mask[y*resultWidth+x] = true
			}
		}
	}
	for y := 0; y < cmpHeight; y++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for x := 0; x < cmpWidth; x++ {
			if !sameColor(img1.At(b1.Min.X+x, b1.Min.Y+y), img2.At(b2.Min.X+x, b2.Min.Y+y)) {
				mask[y*resultWidth+x] = true
				numDiff++
			}
		}
	}

	res := Result{
		Equal:      numDiff == 0,
		DiffPixels: numDiff,
		DimDiffer:  cmpWidth != resultWidth || cmpHeight != resultHeight,
	}
	if total := resultWidth * resultHeight; total > 0 {
		res.DiffPercent = float32(numDiff) * 100 / float32(total)
	}
	if res.Equal {
		return res, nil
	}
	res.Clusters = clusters(mask, resultWidth, resultHeight, p.ClusterGap)

	if diffPath != "" {
		out := p.resolve(diffPath)
		if err := writeMask(out, mask, resultWidth, resultHeight); err != nil {
			return Result{}, err
		}
		res.DiffImagePath = diffPath
	}
	return res, nil
}

func sameColor(c1, c2 color.Color) bool {
	r1, g1, b1, a1 := c1.RGBA()
	r2, g2, b2, a2 := c2.RGBA()
	return r1 == r2 && g1 == g2 && b1 == b2 && a1 == a2
}

var diffColor = color.RGBA{R: 255, G: 0, B: 255, A: 255}

func writeMask(path string, mask []bool, w, h int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] {
				img.Set(x, y, diffColor)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create diff dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create diff image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode diff image: %w", err)
	}
	return f.Close()
}

// clusters groups differing pixels into bounding rectangles. Two pixels land
// in the same cluster when their Chebyshev distance is at most gap+1.
func clusters(mask []bool, w, h, gap int) []report.DiffCluster {
	reach := gap + 1
	seen := make([]bool, len(mask))
	var out []report.DiffCluster
	queue := make([]int, 0, 64)

	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		c := report.DiffCluster{Left: start % w, Top: start / w, Right: start % w, Bottom: start / w}
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			x, y := idx%w, idx/w
			c.Left = min(c.Left, x)
			c.Right = max(c.Right, x)
			c.Top = min(c.Top, y)
			c.Bottom = max(c.Bottom, y)
			for dy := -reach; dy <= reach; dy++ {
				for dx := -reach; dx <= reach; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if mask[n] && !seen[n] {
						seen[n] = true
						queue = append(queue, n)
					}
				}
			}
		}
		out = append(out, c)
	}
	return out
}
