package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	browserNavTimeout   = 30 * time.Second
	browserLoginTimeout = 45 * time.Second
)

// chromeEngine is the shared headless Chrome process. Sessions are isolated
// browser contexts inside it, each with its own cookie and storage jar.
type chromeEngine struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func newChromeEngine(ctx context.Context) (Engine, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser process now so bring-up failures surface here
	// instead of on the first page operation.
	startCtx, cancel := context.WithTimeout(browserCtx, browserNavTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return &chromeEngine{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (e *chromeEngine) NewSession(ctx context.Context, webURL string) (BrowserSession, error) {
	c := chromedp.FromContext(e.browserCtx)
	execCtx := cdp.WithExecutor(e.browserCtx, c.Browser)

	// A dedicated browser context is the incognito-window-per-user model:
	// no cross-identity sharing of authenticated state.
	bctxID, err := target.CreateBrowserContext().Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(bctxID).
		Do(execCtx)
	if err != nil {
		_ = target.DisposeBrowserContext(bctxID).Do(execCtx)
		return nil, fmt.Errorf("create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx, chromedp.WithTargetID(targetID))
	return &chromeSession{
		webURL:    strings.TrimRight(webURL, "/"),
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		bctxID:    bctxID,
		execCtx:   execCtx,
	}, nil
}

func (e *chromeEngine) Close() error {
	e.browserCancel()
	e.allocCancel()
	return nil
}

// chromeSession drives one identity's isolated browser context.
type chromeSession struct {
	webURL    string
	tabCtx    context.Context
	tabCancel context.CancelFunc
	bctxID    cdp.BrowserContextID
	execCtx   context.Context
}

// Login fills and submits the back-office SPA login form. Selectors are
// permissive because the form markup has changed between releases.
func (s *chromeSession) Login(ctx context.Context, username, password string) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, browserLoginTimeout)
	defer cancel()

	return chromedp.Run(runCtx,
		chromedp.Navigate(s.webURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.SendKeys(`input[name="username"], input[type="text"]`, username, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"], input[type="password"]`, password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromeSession) Screenshot(ctx context.Context, path string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, browserNavTimeout)
	defer cancel()

	var buf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.resolve(path)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, 90),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *chromeSession) PageText(ctx context.Context, path string) (string, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, browserNavTimeout)
	defer cancel()

	var text string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.resolve(path)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

// resolve turns a path into an absolute URL against the session's base.
func (s *chromeSession) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.webURL + path
}

func (s *chromeSession) Close() error {
	s.tabCancel()
	return target.DisposeBrowserContext(s.bctxID).Do(s.execCtx)
}
