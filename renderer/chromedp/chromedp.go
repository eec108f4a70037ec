package chromedp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdp "github.com/chromedp/chromedp"

	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/renderer"
)

var contentTypes = map[string]string{
	job.FormatPNG:  "image/png",
	job.FormatJPEG: "image/jpeg",
	job.FormatPDF:  "application/pdf",
	job.FormatWEBP: "image/webp",
}

var captureFormats = map[string]page.CaptureScreenshotFormat{
	job.FormatPNG:  page.CaptureScreenshotFormatPng,
	job.FormatJPEG: page.CaptureScreenshotFormatJpeg,
	job.FormatWEBP: page.CaptureScreenshotFormatWebp,
}

// Instance is one headless-Chrome process implementing renderer.Renderer.
// Each Render runs in a fresh tab; the process is reused across renders
// until it breaks.
type Instance struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	broken      atomic.Bool
}

// Factory returns a renderer.Factory launching headless Chrome with the
// given binary path (empty means autodetect).
func Factory(chromePath string) func() (renderer.Renderer, error) {
	return func() (renderer.Renderer, error) {
		return New(chromePath)
	}
}

func New(chromePath string) (*Instance, error) {
	opts := append([]cdp.ExecAllocatorOption{}, cdp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		cdp.NoSandbox,
		cdp.Flag("disable-gpu", true),
		cdp.Flag("hide-scrollbars", true),
	)
	if chromePath != "" {
		opts = append(opts, cdp.ExecPath(chromePath))
	}

	allocCtx, allocCancel := cdp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := cdp.NewContext(allocCtx)

	// Starting the browser eagerly surfaces launch failures at pool
	// creation instead of on the first job.
	if err := cdp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, renderer.NewError(renderer.KindInternal, "failed to launch browser", err)
	}

	return &Instance{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}, nil
}

func (i *Instance) Healthy() bool {
	return !i.broken.Load() && i.browserCtx.Err() == nil
}

func (i *Instance) Close() error {
	i.cancel()
	i.allocCancel()
	return nil
}

func (i *Instance) Render(ctx context.Context, req job.ScreenshotRequest) (*renderer.Output, error) {
	// The tab context must descend from the browser context; the caller's
	// deadline is applied on top.
	tabCtx, cancelTab := cdp.NewContext(i.browserCtx)
	defer cancelTab()
	runCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		defer cancelDeadline()
	}

	start := time.Now()

	tasks := cdp.Tasks{
		emulation.SetDeviceMetricsOverride(int64(req.Width), int64(req.Height), 1, false),
	}
	if req.Language != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": req.Language,
		}))
	}
	tasks = append(tasks, cdp.Navigate(req.URL))
	if req.WaitSelector != "" {
		tasks = append(tasks, cdp.WaitVisible(req.WaitSelector, cdp.ByQuery))
	}
	if req.WaitMs > 0 {
		tasks = append(tasks, cdp.Sleep(time.Duration(req.WaitMs)*time.Millisecond))
	}

	var title, finalURL string
	var data []byte
	tasks = append(tasks,
		cdp.Title(&title),
		cdp.Location(&finalURL),
		cdp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, err = i.capture(ctx, req)
			return err
		}),
	)

	if err := cdp.Run(runCtx, tasks...); err != nil {
		return nil, i.classify(err)
	}

	return &renderer.Output{
		Data:        data,
		ContentType: contentTypes[req.Format],
		Meta: job.ResultMetadata{
			PageTitle:  title,
			FinalURL:   finalURL,
			LoadTimeMs: time.Since(start).Milliseconds(),
		},
	}, nil
}

func (i *Instance) capture(ctx context.Context, req job.ScreenshotRequest) ([]byte, error) {
	if req.Format == job.FormatPDF {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			Do(ctx)
		return data, err
	}

	params := page.CaptureScreenshot().
		WithFormat(captureFormats[req.Format]).
		WithCaptureBeyondViewport(req.FullPage)
	if req.Format == job.FormatJPEG || req.Format == job.FormatWEBP {
		params = params.WithQuality(int64(req.Quality))
	}
	return params.Do(ctx)
}

// classify maps chromedp failures onto the renderer error kinds the retry
// policy understands.
func (i *Instance) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return renderer.NewError(renderer.KindTimeout, "render deadline exceeded", err)

	case i.browserCtx.Err() != nil:
		i.broken.Store(true)
		return renderer.NewError(renderer.KindInternal, "browser process lost", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "net::ERR_INVALID_URL"):
		return renderer.NewError(renderer.KindInvalidURL, "target not navigable", err)

	case strings.Contains(msg, "net::ERR_"):
		return renderer.NewError(renderer.KindNetwork, "target fetch failed", err)

	case strings.Contains(msg, "context canceled"):
		i.broken.Store(true)
		return renderer.NewError(renderer.KindInternal, "render interrupted", err)

	default:
		return renderer.NewError(renderer.KindContent, "capture failed", err)
	}
}
