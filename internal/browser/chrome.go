package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ProfileDirPrefix marks the user-data dirs of browsers started by this
// program so leaked ones can be told apart from the user's own browser.
const ProfileDirPrefix = "citasched-"

const (
	defaultPageTimeout = 60 * time.Second
	defaultOpTimeout   = 15 * time.Second
)

// ChromeFactory starts Chrome through chromedp.
type ChromeFactory struct {
	Logger *zap.Logger
}

func (f *ChromeFactory) New(ctx context.Context, o Options) (Session, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("chrome")

	dir, err := os.MkdirTemp(o.ProfileRoot, ProfileDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("profile dir: %w", err)
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "es-ES"),
		chromedp.UserDataDir(dir),
		chromedp.WindowSize(1366, 900),
	)
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	if o.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(o.Proxy))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	// The browser must outlive the caller's context; Quit owns its lifetime.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	c := &Chrome{
		ctx:         tabCtx,
		cancel:      func() { tabCancel(); allocCancel() },
		dir:         dir,
		logger:      logger,
		pageTimeout: o.PageTimeout,
		opTimeout:   o.OpTimeout,
	}
	if c.pageTimeout <= 0 {
		c.pageTimeout = defaultPageTimeout
	}
	if c.opTimeout <= 0 {
		c.opTimeout = defaultOpTimeout
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() {
				if err := chromedp.Run(tabCtx, page.HandleJavaScriptDialog(true)); err != nil {
					logger.Debug("dialog accept failed", zap.Error(err))
				}
			}()
		}
	})

	startCtx, cancel := context.WithTimeout(tabCtx, c.pageTimeout)
	defer cancel()
	err = chromedp.Run(startCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate("about:blank"),
	)
	if cd := chromedp.FromContext(tabCtx); cd != nil && cd.Browser != nil {
		if p := cd.Browser.Process(); p != nil {
			c.pids = append(c.pids, int32(p.Pid))
		}
	}
	if err != nil {
		_ = c.Quit(ctx)
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	logger.Info("browser started",
		zap.Int32s("pids", c.pids),
		zap.Bool("headless", o.Headless),
		zap.Bool("proxy", o.Proxy != ""),
		zap.String("user_agent", o.UserAgent),
	)
	return c, nil
}

// Chrome is a Session backed by a chromedp tab.
type Chrome struct {
	ctx    context.Context
	cancel context.CancelFunc
	dir    string
	pids   []int32
	logger *zap.Logger

	pageTimeout time.Duration
	opTimeout   time.Duration

	quitOnce sync.Once
}

var _ Session = (*Chrome)(nil)

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.ctx.Err() != nil {
		return ErrTransport
	}
	runCtx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case c.ctx.Err() != nil || isTransportErr(err):
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func isTransportErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"channel closed", "websocket", "connection refused", "broken pipe", "connection reset", "target closed", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (l Locator) query() (string, chromedp.QueryOption) {
	switch l.By {
	case ByXPath:
		return l.Value, chromedp.BySearch
	case ByID:
		return `[id="` + l.Value + `"]`, chromedp.ByQuery
	default:
		return l.Value, chromedp.ByQuery
	}
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, c.pageTimeout, chromedp.Navigate(url))
}

func (c *Chrome) Reload(ctx context.Context) error {
	return c.run(ctx, c.pageTimeout, chromedp.Reload())
}

func (c *Chrome) Title(ctx context.Context) (string, error) {
	var t string
	err := c.run(ctx, c.opTimeout, chromedp.Title(&t))
	return t, err
}

func (c *Chrome) VisibleText(ctx context.Context) (string, error) {
	var t string
	err := c.run(ctx, c.opTimeout, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &t))
	return t, err
}

func (c *Chrome) Exists(ctx context.Context, loc Locator) (bool, error) {
	var ok bool
	err := c.run(ctx, c.opTimeout, chromedp.Evaluate(loc.JSElement()+" !== null", &ok))
	return ok, err
}

func (c *Chrome) WaitVisible(ctx context.Context, loc Locator, timeout time.Duration) error {
	sel, by := loc.query()
	return c.run(ctx, timeout, chromedp.WaitVisible(sel, by))
}

// present fails fast with ErrNotFound instead of letting chromedp wait out the op timeout.
func (c *Chrome) present(ctx context.Context, loc Locator) error {
	ok, err := c.Exists(ctx, loc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	return nil
}

func (c *Chrome) Click(ctx context.Context, loc Locator) error {
	if err := c.present(ctx, loc); err != nil {
		return err
	}
	sel, by := loc.query()
	return c.run(ctx, c.opTimeout, chromedp.Click(sel, by))
}

func (c *Chrome) Press(ctx context.Context, loc Locator, key Key) error {
	return c.SendKeys(ctx, loc, string(key))
}

func (c *Chrome) SendKeys(ctx context.Context, loc Locator, text string) error {
	if err := c.present(ctx, loc); err != nil {
		return err
	}
	sel, by := loc.query()
	return c.run(ctx, c.opTimeout, chromedp.SendKeys(sel, text, by))
}

const selectScript = `(function(el, want, byText) {
  if (!el) return "notfound";
  const opt = Array.from(el.options || []).find(o => byText ? o.text.trim() === want : o.value === want);
  if (!opt) return "nooption";
  el.value = opt.value;
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return "ok";
})(%s, %s, %t)`

func (c *Chrome) selectOption(ctx context.Context, loc Locator, want string, byText bool) error {
	var res string
	js := fmt.Sprintf(selectScript, loc.JSElement(), jsString(want), byText)
	if err := c.run(ctx, c.opTimeout, chromedp.Evaluate(js, &res)); err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "notfound":
		return fmt.Errorf("%w: %s", ErrNotFound, loc)
	default:
		return fmt.Errorf("%w: option %q in %s", ErrNotFound, want, loc)
	}
}

func (c *Chrome) SelectByValue(ctx context.Context, loc Locator, value string) error {
	return c.selectOption(ctx, loc, value, false)
}

func (c *Chrome) SelectByText(ctx context.Context, loc Locator, text string) error {
	return c.selectOption(ctx, loc, text, true)
}

func (c *Chrome) Options(ctx context.Context, loc Locator) ([]Option, error) {
	if err := c.present(ctx, loc); err != nil {
		return nil, err
	}
	var opts []Option
	js := fmt.Sprintf(`Array.from((%s).options || []).map(o => ({value: o.value, text: o.text.trim()}))`, loc.JSElement())
	if err := c.run(ctx, c.opTimeout, chromedp.Evaluate(js, &opts)); err != nil {
		return nil, err
	}
	return opts, nil
}

func (c *Chrome) Attribute(ctx context.Context, loc Locator, name string) (string, error) {
	var res struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	js := fmt.Sprintf(`(function(el, n){ const v = el ? el.getAttribute(n) : null; return {ok: v !== null, value: v || ""}; })(%s, %s)`, loc.JSElement(), jsString(name))
	if err := c.run(ctx, c.opTimeout, chromedp.Evaluate(js, &res)); err != nil {
		return "", err
	}
	if !res.OK {
		return "", fmt.Errorf("%w: %s[%s]", ErrNotFound, loc, name)
	}
	return res.Value, nil
}

func (c *Chrome) Texts(ctx context.Context, loc Locator) ([]string, error) {
	var out []string
	js := loc.JSElements() + ".map(e => (e.innerText || e.textContent || '').trim())"
	err := c.run(ctx, c.opTimeout, chromedp.Evaluate(js, &out))
	return out, err
}

func (c *Chrome) InnerHTML(ctx context.Context, loc Locator) (string, error) {
	if err := c.present(ctx, loc); err != nil {
		return "", err
	}
	var html string
	sel, by := loc.query()
	err := c.run(ctx, c.opTimeout, chromedp.InnerHTML(sel, &html, by))
	return html, err
}

func (c *Chrome) ExecuteScript(ctx context.Context, js string, out any) error {
	return c.run(ctx, c.opTimeout, chromedp.Evaluate(js, out))
}

func (c *Chrome) ClearStorageAndCookies(ctx context.Context) error {
	return c.run(ctx, c.opTimeout,
		network.ClearBrowserCookies(),
		chromedp.Evaluate(`try { localStorage.clear(); sessionStorage.clear(); } catch (e) {}`, nil),
	)
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, c.opTimeout, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (c *Chrome) PIDs() []int32 {
	return append([]int32(nil), c.pids...)
}

// Quit closes the browser and removes its profile dir. Safe to call repeatedly.
func (c *Chrome) Quit(ctx context.Context) error {
	var err error
	c.quitOnce.Do(func() {
		if cerr := chromedp.Cancel(c.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			c.logger.Debug("graceful close failed", zap.Error(cerr))
		}
		c.cancel()
		err = os.RemoveAll(c.dir)
		c.logger.Info("browser closed", zap.Int32s("pids", c.pids))
	})
	return err
}
