package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Capture formats
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatPDF  = "pdf"
	FormatWEBP = "webp"
)

// ScreenshotRequest holds the immutable capture parameters of a job.
//
// The JSON encoding of this struct is the canonical wire and storage format.
// Field order is fixed by declaration order; evolution is additive only, new
// fields must be appended with omitempty.
type ScreenshotRequest struct {
	URL      string `json:"url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
	FullPage bool   `json:"full_page,omitempty"`
	// WaitSelector delays capture until the selector matches.
	WaitSelector string `json:"wait_selector,omitempty"`
	// WaitMs delays capture by a fixed time after load.
	WaitMs int `json:"wait_ms,omitempty"`
	// Quality applies to lossy formats (jpeg, webp), range 1-100.
	Quality int `json:"quality,omitempty"`
	// Language sets the Accept-Language of the page fetch.
	Language string `json:"language,omitempty"`
	// AnalysisPrompt is set on analysis jobs only.
	AnalysisPrompt string `json:"analysis_prompt,omitempty"`
}

// EncodeRequest produces the canonical JSON encoding stored in the job row.
func EncodeRequest(r ScreenshotRequest) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses a canonical encoding back into a request.
// decode(encode(r)) == r holds for all valid requests.
func DecodeRequest(data []byte) (ScreenshotRequest, error) {
	var r ScreenshotRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return ScreenshotRequest{}, fmt.Errorf("malformed request encoding: %w", err)
	}
	return r, nil
}

// Limits bound the request parameters admission accepts.
type Limits struct {
	MaxWidth  int
	MaxHeight int
	MaxWaitMs int
}

var validFormats = map[string]bool{
	FormatPNG:  true,
	FormatJPEG: true,
	FormatPDF:  true,
	FormatWEBP: true,
}

// lossy reports whether format supports a quality setting.
func lossy(format string) bool {
	return format == FormatJPEG || format == FormatWEBP
}

// ValidateRequest checks a request against the configured limits. The
// returned error message enumerates every violated field.
func ValidateRequest(r ScreenshotRequest, limits Limits) error {
	var problems []string

	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, "url must be an absolute http(s) URL")
	}

	if r.Width <= 0 || r.Width > limits.MaxWidth {
		problems = append(problems, fmt.Sprintf("width must be in [1,%d]", limits.MaxWidth))
	}
	if r.Height <= 0 || r.Height > limits.MaxHeight {
		problems = append(problems, fmt.Sprintf("height must be in [1,%d]", limits.MaxHeight))
	}

	if !validFormats[r.Format] {
		problems = append(problems, "format must be one of png, jpeg, pdf, webp")
	}

	if lossy(r.Format) {
		if r.Quality < 1 || r.Quality > 100 {
			problems = append(problems, "quality must be in [1,100]")
		}
	}

	if r.WaitMs < 0 || r.WaitMs > limits.MaxWaitMs {
		problems = append(problems, fmt.Sprintf("wait_ms must be in [0,%d]", limits.MaxWaitMs))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid request: %s", strings.Join(problems, "; "))
	}
	return nil
}
