package worker

import (
	"fmt"
)

// softwareBackend is the deterministic test-pattern generator used when no
// native translation library is available. The pattern is a gradient
// animated by frame number so consumers can verify frames advance.
type softwareBackend struct {
	width  int
	height int
}

func newSoftwareBackend(width, height int) *softwareBackend {
	return &softwareBackend{width: width, height: height}
}

func (s *softwareBackend) Name() string { return "software" }

// ProcessCommands ignores the command bytes and synthesizes the next
// frame. BGRA byte order matches the shared-memory channel format.
func (s *softwareBackend) ProcessCommands(commands []byte, frameNumber uint64, rotation int) ([]byte, error) {
	w, h := s.width, s.height
	if rotation == 90 || rotation == 270 {
		w, h = h, w
	}

	shift := int(frameNumber)
	pixels := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		row := y * w * 4
		for x := 0; x < w; x++ {
			i := row + x*4
			pixels[i] = byte(x + shift)     // blue
			pixels[i+1] = byte(y + shift)   // green
			pixels[i+2] = byte((x + y) / 2) // red
			pixels[i+3] = 0xFF              // alpha
		}
	}
	return pixels, nil
}

func (s *softwareBackend) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", width, height)
	}
	s.width = width
	s.height = height
	return nil
}

func (s *softwareBackend) Cleanup() {}
