// Package browser is the capability the engine drives: an opaque handle to a
// real browser plus the locator vocabulary used to address page elements.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("browser: element not found")
	ErrTimeout   = errors.New("browser: wait timed out")
	ErrTransport = errors.New("browser: connection to browser lost")
)

// Strategy is how a Locator's value is interpreted.
type Strategy string

const (
	ByID    Strategy = "id"
	ByCSS   Strategy = "css"
	ByXPath Strategy = "xpath"
)

type Locator struct {
	By    Strategy
	Value string
}

func ID(v string) Locator    { return Locator{By: ByID, Value: v} }
func CSS(v string) Locator   { return Locator{By: ByCSS, Value: v} }
func XPath(v string) Locator { return Locator{By: ByXPath, Value: v} }

func (l Locator) String() string { return string(l.By) + "=" + l.Value }

// Key is a keystroke sent to a focused element.
type Key string

const (
	KeyEnter Key = "\r"
	KeySpace Key = " "
)

// Option is one entry of a <select>.
type Option struct {
	Value string `json:"value"`
	Text  string `json:"text"`
}

// Session is a live, controllable browser. Lookups that find nothing return
// ErrNotFound, bounded waits that elapse return ErrTimeout and a dead browser
// yields ErrTransport.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	VisibleText(ctx context.Context) (string, error)

	Exists(ctx context.Context, loc Locator) (bool, error)
	WaitVisible(ctx context.Context, loc Locator, timeout time.Duration) error
	Click(ctx context.Context, loc Locator) error
	Press(ctx context.Context, loc Locator, key Key) error
	SendKeys(ctx context.Context, loc Locator, text string) error
	SelectByValue(ctx context.Context, loc Locator, value string) error
	SelectByText(ctx context.Context, loc Locator, text string) error
	Options(ctx context.Context, loc Locator) ([]Option, error)
	Attribute(ctx context.Context, loc Locator, name string) (string, error)
	Texts(ctx context.Context, loc Locator) ([]string, error)
	InnerHTML(ctx context.Context, loc Locator) (string, error)

	// ExecuteScript evaluates js and, when out is non-nil, decodes the result into it.
	ExecuteScript(ctx context.Context, js string, out any) error
	ClearStorageAndCookies(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)

	// PIDs are the OS processes backing this session.
	PIDs() []int32
	Quit(ctx context.Context) error
}

// Options configure a new session.
type Options struct {
	UserAgent   string
	Proxy       string
	Headless    bool
	NoSandbox   bool
	ExecPath    string
	ProfileRoot string
	PageTimeout time.Duration
	OpTimeout   time.Duration
}

// Factory starts browsers.
type Factory interface {
	New(ctx context.Context, opts Options) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, opts Options) (Session, error)

func (f FactoryFunc) New(ctx context.Context, opts Options) (Session, error) { return f(ctx, opts) }

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// JSElement is a JavaScript expression evaluating to the first element l matches, or null.
func (l Locator) JSElement() string {
	q := jsString(l.Value)
	switch l.By {
	case ByID:
		return "document.getElementById(" + q + ")"
	case ByXPath:
		return "document.evaluate(" + q + ", document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue"
	default:
		return "document.querySelector(" + q + ")"
	}
}

// JSElements is a JavaScript expression evaluating to an array of every element l matches.
func (l Locator) JSElements() string {
	q := jsString(l.Value)
	switch l.By {
	case ByID:
		return "[document.getElementById(" + q + ")].filter(Boolean)"
	case ByXPath:
		return fmt.Sprintf(`(function(){const r=document.evaluate(%s,document,null,XPathResult.ORDERED_NODE_SNAPSHOT_TYPE,null);const a=[];for(let i=0;i<r.snapshotLength;i++)a.push(r.snapshotItem(i));return a;})()`, q)
	default:
		return "Array.from(document.querySelectorAll(" + q + "))"
	}
}
