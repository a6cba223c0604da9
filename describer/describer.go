package describer

import "context"

// Describer describes an image using a specific LLM backend.
type Describer interface {
	// Name returns the name of the backend, e.g. "llava" or "openai"
	Name() string

	// DescribeImage returns an English description of the provided image. The
	// image data is the full contents of the file including the header. The
	// provided ctx is used as the parent context for the request to the
	// backend.
	//
	// Failures are reported as *Error so callers can tell transient faults
	// from fatal ones.
	DescribeImage(ctx context.Context, img Image) (string, error)
}

// Summarizer condenses a set of image descriptions into a single summary.
type Summarizer interface {
	Name() string

	// Summarize returns one consolidated summary of descriptions, which are in
	// input order. descriptions is never empty.
	Summarize(ctx context.Context, descriptions []string) (string, error)
}

// HealthChecker is implemented by backends that can report whether their
// server is reachable.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Model holds the generation parameters for one role, describing or
// summarizing.
type Model struct {
	Name         string // model id, deployment name or tag depending on backend
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Image is an image payload handed to a Describer.
type Image struct {
	Name   string // identifier used in logs and errors
	Data   []byte
	Format string // one of jpeg, png, gif, bmp, tiff, webp
}

// MediaType returns the MIME type for the image's format, falling back to
// image/jpeg.
func (img Image) MediaType() string {
	switch img.Format {
	case "png", "gif", "bmp", "tiff", "webp":
		return "image/" + img.Format
	}
	return "image/jpeg"
}
