// Package browsertest provides a scripted in-memory browser.Session.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/cita-scheduler/internal/browser"
)

// Element is a node on a fake page.
type Element struct {
	Text    string
	Attrs   map[string]string
	Options []browser.Option
}

// Page is one state of the fake site. Next maps an interaction key
// ("press:<loc>", "click:<loc>", "select:<loc>", "script:<substring>") to
// the name of the page shown afterwards. Scripts maps a script substring to
// the value returned to ExecuteScript.
type Page struct {
	Title    string
	Text     string
	Elements map[browser.Locator]*Element
	Next     map[string]string
	Scripts  map[string]any
}

// Session is a browser.Session that walks a graph of Pages.
type Session struct {
	mu sync.Mutex

	pages   map[string]*Page
	routes  map[string]string
	current string
	pids    []int32

	// Fail makes the named operation ("navigate", "title", "text", "wait",
	// "press", ...) return the error once.
	Fail map[string]error
	// OnNavigate runs before each navigation.
	OnNavigate func(url string)

	Visited  []string
	Typed    map[browser.Locator]string
	Selected map[browser.Locator]string
	Clicked  []browser.Locator
	Executed []string
	Clears   int
	Quits    int
}

var _ browser.Session = (*Session)(nil)

func New(pids ...int32) *Session {
	return &Session{
		pages:    map[string]*Page{"": {}},
		routes:   map[string]string{},
		pids:     pids,
		Fail:     map[string]error{},
		Typed:    map[browser.Locator]string{},
		Selected: map[browser.Locator]string{},
	}
}

// AddPage registers a page under name.
func (s *Session) AddPage(name string, p *Page) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Elements == nil {
		p.Elements = map[browser.Locator]*Element{}
	}
	if p.Next == nil {
		p.Next = map[string]string{}
	}
	s.pages[name] = p
	return s
}

// Route shows page name after navigating to url.
func (s *Session) Route(url, name string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[url] = name
	return s
}

// Show jumps straight to page name.
func (s *Session) Show(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
}

// Current is the name of the page on screen.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) QuitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Quits
}

func (s *Session) fail(op string) error {
	if err, ok := s.Fail[op]; ok {
		delete(s.Fail, op)
		return err
	}
	return nil
}

func (s *Session) page() *Page {
	if p, ok := s.pages[s.current]; ok {
		return p
	}
	return s.pages[""]
}

func (s *Session) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Quits > 0 {
		return fmt.Errorf("%w: session quit", browser.ErrTransport)
	}
	return s.fail(op)
}

func (s *Session) transition(key string) {
	if next, ok := s.page().Next[key]; ok {
		s.current = next
	}
}

func (s *Session) element(loc browser.Locator) (*Element, error) {
	el, ok := s.page().Elements[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s on page %q", browser.ErrNotFound, loc, s.current)
	}
	return el, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if hook := s.OnNavigate; hook != nil {
		hook(url)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "navigate"); err != nil {
		return err
	}
	s.Visited = append(s.Visited, url)
	if name, ok := s.routes[url]; ok {
		s.current = name
		return nil
	}
	// longest matching prefix
	var prefixes []string
	for r := range s.routes {
		if strings.HasPrefix(url, r) {
			prefixes = append(prefixes, r)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	if len(prefixes) > 0 {
		s.current = s.routes[prefixes[0]]
		return nil
	}
	s.current = ""
	return nil
}

func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "reload"); err != nil {
		return err
	}
	s.transition("reload")
	return nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "title"); err != nil {
		return "", err
	}
	return s.page().Title, nil
}

func (s *Session) VisibleText(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "text"); err != nil {
		return "", err
	}
	return s.page().Text, nil
}

func (s *Session) Exists(ctx context.Context, loc browser.Locator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "exists"); err != nil {
		return false, err
	}
	_, ok := s.page().Elements[loc]
	return ok, nil
}

// WaitVisible never sleeps: an element missing from the current page times out at once.
func (s *Session) WaitVisible(ctx context.Context, loc browser.Locator, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "wait"); err != nil {
		return err
	}
	if _, ok := s.page().Elements[loc]; !ok {
		return fmt.Errorf("%w: %s on page %q", browser.ErrTimeout, loc, s.current)
	}
	return nil
}

func (s *Session) Click(ctx context.Context, loc browser.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "click"); err != nil {
		return err
	}
	if _, err := s.element(loc); err != nil {
		return err
	}
	s.Clicked = append(s.Clicked, loc)
	s.transition("click:" + loc.String())
	return nil
}

func (s *Session) Press(ctx context.Context, loc browser.Locator, _ browser.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "press"); err != nil {
		return err
	}
	if _, err := s.element(loc); err != nil {
		return err
	}
	s.Clicked = append(s.Clicked, loc)
	s.transition("press:" + loc.String())
	return nil
}

func (s *Session) SendKeys(ctx context.Context, loc browser.Locator, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "sendkeys"); err != nil {
		return err
	}
	if _, err := s.element(loc); err != nil {
		return err
	}
	s.Typed[loc] += text
	return nil
}

func (s *Session) selectBy(ctx context.Context, loc browser.Locator, want string, byText bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "select"); err != nil {
		return err
	}
	el, err := s.element(loc)
	if err != nil {
		return err
	}
	for _, o := range el.Options {
		if (byText && o.Text == want) || (!byText && o.Value == want) {
			s.Selected[loc] = o.Value
			s.transition("select:" + loc.String())
			return nil
		}
	}
	return fmt.Errorf("%w: option %q in %s", browser.ErrNotFound, want, loc)
}

func (s *Session) SelectByValue(ctx context.Context, loc browser.Locator, value string) error {
	return s.selectBy(ctx, loc, value, false)
}

func (s *Session) SelectByText(ctx context.Context, loc browser.Locator, text string) error {
	return s.selectBy(ctx, loc, text, true)
}

func (s *Session) Options(ctx context.Context, loc browser.Locator) ([]browser.Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "options"); err != nil {
		return nil, err
	}
	el, err := s.element(loc)
	if err != nil {
		return nil, err
	}
	return append([]browser.Option(nil), el.Options...), nil
}

func (s *Session) Attribute(ctx context.Context, loc browser.Locator, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "attribute"); err != nil {
		return "", err
	}
	el, err := s.element(loc)
	if err != nil {
		return "", err
	}
	v, ok := el.Attrs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s[%s]", browser.ErrNotFound, loc, name)
	}
	return v, nil
}

func (s *Session) Texts(ctx context.Context, loc browser.Locator) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "texts"); err != nil {
		return nil, err
	}
	el, ok := s.page().Elements[loc]
	if !ok {
		return nil, nil
	}
	if el.Text == "" {
		return nil, nil
	}
	return strings.Split(el.Text, "\n"), nil
}

func (s *Session) InnerHTML(ctx context.Context, loc browser.Locator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "html"); err != nil {
		return "", err
	}
	el, err := s.element(loc)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (s *Session) ExecuteScript(ctx context.Context, js string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "script"); err != nil {
		return err
	}
	s.Executed = append(s.Executed, js)
	p := s.page()
	if out != nil {
		for key, v := range p.Scripts {
			if strings.Contains(js, key) {
				b, err := json.Marshal(v)
				if err != nil {
					return err
				}
				return json.Unmarshal(b, out)
			}
		}
	}
	for key, next := range p.Next {
		if sub, ok := strings.CutPrefix(key, "script:"); ok && strings.Contains(js, sub) {
			s.current = next
			break
		}
	}
	return nil
}

func (s *Session) ClearStorageAndCookies(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "clear"); err != nil {
		return err
	}
	s.Clears++
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "screenshot"); err != nil {
		return nil, err
	}
	return []byte("png:" + s.current), nil
}

func (s *Session) PIDs() []int32 {
	return append([]int32(nil), s.pids...)
}

func (s *Session) Quit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Quits++
	return nil
}
