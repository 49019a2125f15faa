package processor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
)

const (
	DefaultWindowSize       = 1000
	DefaultGain             = 2.5
	DefaultReflectanceScale = 10000
	JPEGQuality             = 95
)

// Window is a rectangle of pixels
type Window struct {
	X, Y          int
	Width, Height int
}

// Compositor builds an RGB quicklook from the blue, green and red bands of a product
type Compositor struct {
	WindowSize       int     // Side of the square window, DefaultWindowSize if 0
	Gain             float64 // DefaultGain if 0
	ReflectanceScale float64 // DefaultReflectanceScale if 0
	OutputDir        string

	mu   sync.Mutex
	rand *rand.Rand
}

// NewCompositor creates a compositor with the default parameters.
// If seed is not 0, the window offsets are reproducible.
func NewCompositor(outputDir string, seed uint64) *Compositor {
	c := &Compositor{OutputDir: outputDir}
	if seed != 0 {
		c.rand = rand.New(rand.NewPCG(seed, seed))
	}
	return c
}

func (c *Compositor) windowSize() int {
	if c.WindowSize <= 0 {
		return DefaultWindowSize
	}
	return c.WindowSize
}

func (c *Compositor) intN(n int) int {
	if c.rand == nil {
		return rand.IntN(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rand.IntN(n)
}

// SelectWindow returns the full extent if the raster is smaller than the window size in any dimension,
// otherwise a window of the window size with a random offset in [0, width-size]x[0, height-size].
func (c *Compositor) SelectWindow(width, height int) Window {
	size := c.windowSize()
	if width < size || height < size {
		return Window{X: 0, Y: 0, Width: width, Height: height}
	}
	return Window{
		X:      c.intN(width - size + 1),
		Y:      c.intN(height - size + 1),
		Width:  size,
		Height: size,
	}
}

// Normalize converts a digital number to a displayable value in [0, 1]: clip(v*gain/scale, 0, 1)
func (c *Compositor) Normalize(v float64) float64 {
	gain, scale := c.Gain, c.ReflectanceScale
	if gain == 0 {
		gain = DefaultGain
	}
	if scale == 0 {
		scale = DefaultReflectanceScale
	}
	n := v * gain / scale
	switch {
	case n < 0 || math.IsNaN(n):
		return 0
	case n > 1:
		return 1
	}
	return n
}

// Quantize converts a value in [0, 1] to 8 bits (truncated)
func Quantize(n float64) uint8 {
	return uint8(n * 255)
}

// OutputName returns the name of the idx-th composite of a run
func OutputName(idx int) string {
	return service.WithExt(fmt.Sprintf("Sentinel2_Result_%d", idx), service.ExtensionJPEG)
}

// rasterSize returns the size of the first band of the file
func rasterSize(path string) (int, int, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("rasterSize.Open[%s]: %w", path, err)
	}
	defer ds.Close()
	st := ds.Structure()
	if st.NBands < 1 {
		return 0, 0, fmt.Errorf("rasterSize[%s]: no band", path)
	}
	return st.SizeX, st.SizeY, nil
}

// readWindow reads the window of the first band of the file
func readWindow(path string, w Window) ([]float64, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("readWindow.Open[%s]: %w", path, err)
	}
	defer ds.Close()
	st := ds.Structure()
	if st.NBands < 1 {
		return nil, fmt.Errorf("readWindow[%s]: no band", path)
	}
	if w.X+w.Width > st.SizeX || w.Y+w.Height > st.SizeY {
		return nil, fmt.Errorf("readWindow[%s]: window %+v out of raster %dx%d", path, w, st.SizeX, st.SizeY)
	}
	buf := make([]float64, w.Width*w.Height)
	if err := ds.Bands()[0].Read(w.X, w.Y, buf, w.Width, w.Height); err != nil {
		return nil, fmt.Errorf("readWindow.Read[%s]: %w", path, err)
	}
	return buf, nil
}

// Composite reads the same window in the blue, green and red bands (in this order) and writes it as
// an RGB JPEG named after idx in the output directory. Returns the path of the image.
func (c *Compositor) Composite(ctx context.Context, bands []string, idx int) (string, error) {
	path, err := c.composite(ctx, bands, idx)
	if err != nil {
		return "", service.NewFailure(common.StageComposite, err)
	}
	return path, nil
}

func (c *Compositor) composite(ctx context.Context, bands []string, idx int) (string, error) {
	if len(bands) != 3 {
		return "", fmt.Errorf("Composite: expecting 3 bands, got %d", len(bands))
	}
	width, height, err := rasterSize(bands[0])
	if err != nil {
		return "", fmt.Errorf("Composite.%w", err)
	}
	w := c.SelectWindow(width, height)
	log.Logger(ctx).Sugar().Debugf("composite window %+v of %dx%d", w, width, height)

	data := make([][]float64, len(bands))
	for i, band := range bands {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("Composite: %w", err)
		}
		if data[i], err = readWindow(band, w); err != nil {
			return "", fmt.Errorf("Composite.%w", err)
		}
	}

	mem, err := godal.Create(godal.Memory, "", 3, godal.Byte, w.Width, w.Height)
	if err != nil {
		return "", fmt.Errorf("Composite.Create: %w", err)
	}
	defer mem.Close()

	// red=bands[2], green=bands[1], blue=bands[0]
	rgb := mem.Bands()
	pixels := make([]byte, w.Width*w.Height)
	for channel, src := range [][]float64{data[2], data[1], data[0]} {
		for i, v := range src {
			pixels[i] = Quantize(c.Normalize(v))
		}
		if err := rgb[channel].Write(0, 0, pixels, w.Width, w.Height); err != nil {
			return "", fmt.Errorf("Composite.Write: %w", err)
		}
	}

	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("Composite.MkdirAll: %w", err)
	}
	out := filepath.Join(c.OutputDir, OutputName(idx))
	jpeg, err := mem.Translate(out, []string{"-of", "JPEG", "-co", fmt.Sprintf("QUALITY=%d", JPEGQuality)})
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("Composite.Translate: %w", err)
	}
	if err := jpeg.Close(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("Composite.Close: %w", err)
	}
	return out, nil
}
