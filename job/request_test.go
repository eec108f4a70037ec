package job

import (
	"reflect"
	"testing"
)

var testLimits = Limits{MaxWidth: 3840, MaxHeight: 2160, MaxWaitMs: 10000}

func TestValidateRequest(t *testing.T) {
	valid := ScreenshotRequest{
		URL:    "https://example.com",
		Width:  1200,
		Height: 800,
		Format: FormatPNG,
	}

	testCases := []struct {
		name    string
		mutate  func(r *ScreenshotRequest)
		wantErr bool
	}{
		{name: "valid png", mutate: func(r *ScreenshotRequest) {}, wantErr: false},
		{name: "valid jpeg with quality", mutate: func(r *ScreenshotRequest) {
			r.Format = FormatJPEG
			r.Quality = 85
		}, wantErr: false},
		{name: "missing url", mutate: func(r *ScreenshotRequest) { r.URL = "" }, wantErr: true},
		{name: "relative url", mutate: func(r *ScreenshotRequest) { r.URL = "/path" }, wantErr: true},
		{name: "ftp scheme", mutate: func(r *ScreenshotRequest) { r.URL = "ftp://example.com" }, wantErr: true},
		{name: "zero width", mutate: func(r *ScreenshotRequest) { r.Width = 0 }, wantErr: true},
		{name: "width over max", mutate: func(r *ScreenshotRequest) { r.Width = 3841 }, wantErr: true},
		{name: "zero height", mutate: func(r *ScreenshotRequest) { r.Height = 0 }, wantErr: true},
		{name: "height over max", mutate: func(r *ScreenshotRequest) { r.Height = 2161 }, wantErr: true},
		{name: "bad format", mutate: func(r *ScreenshotRequest) { r.Format = "gif" }, wantErr: true},
		{name: "jpeg quality zero", mutate: func(r *ScreenshotRequest) {
			r.Format = FormatJPEG
			r.Quality = 0
		}, wantErr: true},
		{name: "jpeg quality 101", mutate: func(r *ScreenshotRequest) {
			r.Format = FormatJPEG
			r.Quality = 101
		}, wantErr: true},
		{name: "png ignores quality", mutate: func(r *ScreenshotRequest) { r.Quality = 0 }, wantErr: false},
		{name: "wait over max", mutate: func(r *ScreenshotRequest) { r.WaitMs = 10001 }, wantErr: true},
		{name: "negative wait", mutate: func(r *ScreenshotRequest) { r.WaitMs = -1 }, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			err := ValidateRequest(r, testLimits)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateRequest() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRequestCodecFixedPoint(t *testing.T) {
	r := ScreenshotRequest{
		URL:          "https://example.com/page?a=1",
		Width:        1920,
		Height:       1080,
		Format:       FormatWEBP,
		FullPage:     true,
		WaitSelector: "#app",
		WaitMs:       250,
		Quality:      90,
		Language:     "de-DE",
	}

	data, err := EncodeRequest(r)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	decoded, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if !reflect.DeepEqual(r, decoded) {
		t.Errorf("decode(encode(r)) = %+v, want %+v", decoded, r)
	}

	// The canonical encoding itself must be stable.
	again, err := EncodeRequest(decoded)
	if err != nil {
		t.Fatalf("EncodeRequest() second pass error = %v", err)
	}
	if string(data) != string(again) {
		t.Errorf("canonical encoding not stable: %s vs %s", data, again)
	}
}

func TestNewIDDistinct(t *testing.T) {
	now := timeNowFixed()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID(now)
		if seen[id] {
			t.Fatalf("NewID() produced duplicate id %q", id)
		}
		seen[id] = true
	}
}
