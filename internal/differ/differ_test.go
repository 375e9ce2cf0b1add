package differ

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/shotreport/internal/report"
	"github.com/google/go-cmp/cmp"
)

func writePNG(t *testing.T, dir, name string, w, h int, paint func(img *image.RGBA)) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	if paint != nil {
		paint(img)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	return name
}

func TestPNG_EqualIdenticalImages(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", 8, 8, nil)
	b := writePNG(t, dir, "b.png", 8, 8, nil)
	d := &PNG{BaseDir: dir}

	eq, err := d.Equal(context.Background(), a, b)
	if err != nil {
		t.Fatalf("equal: %v", err)
	}
	if !eq {
		t.Fatal("expected identical images to be equal")
	}
}

func TestPNG_EqualDetectsSizeAndPixelChanges(t *testing.T) {
	dir := t.TempDir()
	d := &PNG{BaseDir: dir}
	base := writePNG(t, dir, "base.png", 8, 8, nil)
	bigger := writePNG(t, dir, "bigger.png", 9, 8, nil)
	dot := writePNG(t, dir, "dot.png", 8, 8, func(img *image.RGBA) { img.Set(3, 3, color.Black) })

	for _, other := range []string{bigger, dot} {
		eq, err := d.Equal(context.Background(), base, other)
		if err != nil {
			t.Fatalf("equal %s: %v", other, err)
		}
		if eq {
			t.Fatalf("expected %s to differ from base", other)
		}
	}
}

func TestPNG_EqualMissingFile(t *testing.T) {
	d := &PNG{BaseDir: t.TempDir()}
	if _, err := d.Equal(context.Background(), "nope.png", "nope2.png"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPNG_CompareClustersAndDiffImage(t *testing.T) {
	dir := t.TempDir()
	d := &PNG{BaseDir: dir}
	expected := writePNG(t, dir, "expected.png", 20, 20, nil)
	actual := writePNG(t, dir, "actual.png", 20, 20, func(img *image.RGBA) {
		img.Set(1, 1, color.Black)
		img.Set(2, 2, color.Black)
		img.Set(15, 16, color.Black)
	})

	res, err := d.Compare(context.Background(), expected, actual, filepath.Join("diff", "d.png"))
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Equal {
		t.Fatal("expected images to differ")
	}
	if res.DiffPixels != 3 {
		t.Fatalf("expected 3 diff pixels, got %d", res.DiffPixels)
	}
	want := []report.DiffCluster{
		{Left: 1, Top: 1, Right: 2, Bottom: 2},
		{Left: 15, Top: 16, Right: 15, Bottom: 16},
	}
	if diff := cmp.Diff(want, res.Clusters); diff != "" {
		t.Fatalf("clusters mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, "diff", "d.png")); err != nil {
		t.Fatalf("expected diff image on disk: %v", err)
	}
}

func TestPNG_CompareEqualWritesNothing(t *testing.T) {
	dir := t.TempDir()
	d := &PNG{BaseDir: dir}
	a := writePNG(t, dir, "a.png", 4, 4, nil)
	b := writePNG(t, dir, "b.png", 4, 4, nil)
	res, err := d.Compare(context.Background(), a, b, "diff.png")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !res.Equal || len(res.Clusters) != 0 {
		t.Fatalf("expected equal result, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "diff.png")); !os.IsNotExist(err) {
		t.Fatalf("expected no diff image, stat err=%v", err)
	}
}

func TestPNG_CompareDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	d := &PNG{BaseDir: dir}
	a := writePNG(t, dir, "a.png", 4, 4, nil)
	b := writePNG(t, dir, "b.png", 4, 6, nil)
	res, err := d.Compare(context.Background(), a, b, "")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !res.DimDiffer || res.DiffPixels != 8 {
		t.Fatalf("expected 8 diff pixels from size mismatch, got %+v", res)
	}
}
