// Package browser realizes the Transport interface by driving an
// interactive web chat page with go-rod: it locates the composer with
// resilient selectors, clears any draft, waits for the reply by watching
// for DOM-mutation idle time, then extracts and chrome-strips the latest
// assistant block.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/transport"
)

// Config configures the browser transport.
type Config struct {
	NavigateURL string
	UserDataDir string
	Headless    bool
	IdleTimeout time.Duration // gap between DOM mutations considered "turn complete"
	UIWait      time.Duration // overall wait budget for one reply
	AutoContinue bool         // auto-reply "continue" to an explicit continue-prompt
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 1500 * time.Millisecond
	}
	if c.UIWait == 0 {
		c.UIWait = 3 * time.Minute
	}
	return c
}

// composerSelectors are tried in order; the first match wins. Resilient to
// minor DOM reshuffles across chat UI releases.
var composerSelectors = []string{
	`div[contenteditable="true"][data-testid*="composer"]`,
	`div[contenteditable="true"]`,
	`textarea[data-testid*="composer"]`,
	`textarea`,
}

var assistantBlockSelectors = []string{
	`[data-message-author-role="assistant"]:last-of-type`,
	`.assistant-message:last-of-type`,
	`[data-testid*="assistant"]:last-of-type`,
}

const continuePromptMarker = "continue"

// Transport drives a single browser tab as the conduit to the model. Its
// UserDataDir is a filesystem mutex: a held lock file makes a second
// instance against the same directory fail fast with ResourceInUse.
type Transport struct {
	cfg     Config
	browser *rod.Browser
	page    *rod.Page
	lock    *os.File
}

// New launches (or connects to) a browser, navigates to cfg.NavigateURL,
// and acquires the user-data-directory lock.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	lock, err := acquireLock(cfg.UserDataDir)
	if err != nil {
		return nil, transport.NewError(transport.ErrResourceInUse, "user-data directory %q is in use: %v", cfg.UserDataDir, err)
	}

	l := launcher.New().UserDataDir(cfg.UserDataDir).Headless(cfg.Headless)
	controlURL, err := l.Launch()
	if err != nil {
		lock.Close()
		return nil, transport.NewError(transport.ErrTransportUIFailure, "launch browser: %v", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		lock.Close()
		return nil, transport.NewError(transport.ErrTransportUIFailure, "connect to browser: %v", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: cfg.NavigateURL})
	if err != nil {
		lock.Close()
		return nil, transport.NewError(transport.ErrTransportUIFailure, "open page %q: %v", cfg.NavigateURL, err)
	}

	return &Transport{cfg: cfg, browser: browser, page: page, lock: lock}, nil
}

func acquireLock(userDataDir string) (*os.File, error) {
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(userDataDir, ".cpl-browser.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock file %s already held: %w", path, err)
	}
	return f, nil
}

// Exchange clears the composer, sends userMessage, waits for the reply to
// settle, and returns the chrome-stripped assistant text. Only userMessage is
// typed into the page: conv's system prompt and window are not sent.
func (t *Transport) Exchange(ctx context.Context, conv *transport.Conversation, userMessage string, kind transport.ReplyKind) (*transport.Reply, error) {
	pc := t.page.Context(ctx)

	composer, err := t.findComposer(pc)
	if err != nil {
		return nil, err
	}

	if err := clearDraft(composer); err != nil {
		return nil, transport.NewError(transport.ErrTransportUIFailure, "clear draft: %v", err)
	}
	if err := composer.Input(userMessage); err != nil {
		return nil, transport.NewError(transport.ErrTransportUIFailure, "type message: %v", err)
	}
	if err := composer.Type(input.Enter); err != nil {
		return nil, transport.NewError(transport.ErrTransportUIFailure, "submit message: %v", err)
	}

	for {
		if err := t.waitForIdle(ctx); err != nil {
			return nil, err
		}

		text, err := t.extractLastAssistantBlock(pc)
		if err != nil {
			return nil, err
		}

		if t.cfg.AutoContinue && isContinuePrompt(text) {
			if err := clearDraft(composer); err != nil {
				return nil, transport.NewError(transport.ErrTransportUIFailure, "clear draft before continue: %v", err)
			}
			if err := composer.Input("continue"); err != nil {
				return nil, transport.NewError(transport.ErrTransportUIFailure, "send continue: %v", err)
			}
			if err := composer.Type(input.Enter); err != nil {
				return nil, transport.NewError(transport.ErrTransportUIFailure, "submit continue: %v", err)
			}
			continue
		}

		logging.Record(logging.AuditEvent{EventType: logging.AuditTransportCall, Success: true})
		return &transport.Reply{Kind: kind, Text: text}, nil
	}
}

func (t *Transport) findComposer(pc *rod.Page) (*rod.Element, error) {
	for _, sel := range composerSelectors {
		el, err := pc.Timeout(2 * time.Second).Element(sel)
		if err == nil {
			return el, nil
		}
	}
	return nil, transport.NewError(transport.ErrTransportUIFailure, "no composer element matched any known selector")
}

func clearDraft(el *rod.Element) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input("")
}

// waitForIdle blocks until no DOM mutation has been observed for
// cfg.IdleTimeout, or returns an error on overall timeout/cancellation. The
// DOM-mutation watcher goroutine is bounded by errgroup and joins before
// this call returns, so no background work survives cancellation.
func (t *Transport) waitForIdle(parent context.Context) error {
	idleCtx, cancelIdle := context.WithCancel(parent)
	defer cancelIdle()

	var lastMutationNanos int64
	atomic.StoreInt64(&lastMutationNanos, time.Now().UnixNano())

	g, gctx := errgroup.WithContext(idleCtx)
	g.Go(func() error {
		wait := t.page.Context(gctx).EachEvent(func(ev *proto.DOMDocumentUpdated) {
			atomic.StoreInt64(&lastMutationNanos, time.Now().UnixNano())
		})
		wait()
		return nil
	})

	deadline := time.After(t.cfg.UIWait)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-parent.Done():
			cancelIdle()
			_ = g.Wait()
			return transport.NewError(transport.ErrTransportTimeout, "cancelled while waiting for reply")
		case <-deadline:
			cancelIdle()
			_ = g.Wait()
			return transport.NewError(transport.ErrTransportUIFailure, "no reply within UI wait timeout")
		case <-ticker.C:
			elapsed := time.Since(time.Unix(0, atomic.LoadInt64(&lastMutationNanos)))
			if elapsed > t.cfg.IdleTimeout {
				cancelIdle()
				_ = g.Wait()
				return nil
			}
		}
	}
}

func (t *Transport) extractLastAssistantBlock(pc *rod.Page) (string, error) {
	for _, sel := range assistantBlockSelectors {
		el, err := pc.Timeout(1 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		raw, err := el.HTML()
		if err != nil {
			return "", transport.NewError(transport.ErrTransportUIFailure, "read assistant block html: %v", err)
		}
		return stripChrome(raw), nil
	}
	return "", transport.NewError(transport.ErrTransportUIFailure, "no reply found: assistant block selectors did not match")
}

// stripChrome walks raw HTML with the x/net/html tokenizer and collects
// text-node content only, discarding script/style/svg chrome.
func stripChrome(rawHTML string) string {
	var b strings.Builder
	skipDepth := 0
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "svg" {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "svg" {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
				b.WriteString(" ")
			}
		}
	}
}

// isContinuePrompt detects the UI's explicit continue-prompt convention
// (e.g. a truncated response ending in "... continue?").
func isContinuePrompt(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, continuePromptMarker) && strings.HasSuffix(strings.TrimSpace(lower), "?")
}

// Cancel tears down the page and browser connection; any in-flight
// waitForIdle watcher observes ctx cancellation and joins promptly.
func (t *Transport) Cancel() {
	if t.browser != nil {
		_ = t.browser.Close()
	}
	if t.lock != nil {
		t.lock.Close()
		_ = os.Remove(t.lock.Name())
	}
}

var _ transport.Transport = (*Transport)(nil)
