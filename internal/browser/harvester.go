// internal/browser/harvester.go
package browser

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ConsoleEntry is a console message, log entry or uncaught exception seen on the page.
type ConsoleEntry struct {
	Level  string    `json:"level"`
	Text   string    `json:"text"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// maxConsoleEntries bounds memory on pages that log every animation frame.
const maxConsoleEntries = 2000

// Harvester listens to CDP events for one tab. It tracks in flight requests
// for network idle detection and collects console output.
type Harvester struct {
	logger *zap.Logger

	sessionCtx     context.Context
	cancelListener context.CancelFunc

	// listen and enable default to chromedp; tests replace them.
	listen func(context.Context, func(interface{}))
	enable func(context.Context) error

	// startMu serializes Start and Stop without holding lock across CDP calls.
	startMu sync.Mutex

	inflight map[network.RequestID]string
	console  []ConsoleEntry
	dropped  int
	lastSeen time.Time
	lock     sync.RWMutex

	isStarted bool
}

// NewHarvester creates a harvester bound to a chromedp tab context.
func NewHarvester(sessionCtx context.Context, logger *zap.Logger) *Harvester {
	return &Harvester{
		sessionCtx: sessionCtx,
		logger:     logger.Named("harvester"),
		inflight:   make(map[network.RequestID]string),
		lastSeen:   time.Now(),
		listen:     chromedp.ListenTarget,
		enable:     enableDomains,
	}
}

func enableDomains(ctx context.Context) error {
	return chromedp.Run(ctx, network.Enable(), runtime.Enable(), log.Enable())
}

// Start subscribes to events and enables the network, runtime and log domains.
// It must run before navigation so the document request itself is tracked.
// Events delivered while the domains are being enabled reach handleEvent,
// so lock is not held across the CDP round trip.
func (h *Harvester) Start() error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	h.lock.RLock()
	started := h.isStarted
	h.lock.RUnlock()
	if started {
		return nil
	}

	listenerCtx, cancel := context.WithCancel(h.sessionCtx)
	h.listen(listenerCtx, h.handleEvent)
	if err := h.enable(h.sessionCtx); err != nil {
		cancel()
		return err
	}

	h.lock.Lock()
	h.cancelListener = cancel
	h.isStarted = true
	h.lock.Unlock()
	h.logger.Debug("Harvester started.")
	return nil
}

// Stop unsubscribes from events. Safe to call more than once.
func (h *Harvester) Stop() {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.cancelListener != nil {
		h.cancelListener()
		h.cancelListener = nil
	}
	h.isStarted = false
}

func (h *Harvester) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		url := ""
		if e.Request != nil {
			url = e.Request.URL
		}
		h.requestStarted(e.RequestID, url)
	case *network.EventLoadingFinished:
		h.requestDone(e.RequestID)
	case *network.EventLoadingFailed:
		h.requestDone(e.RequestID)
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			parts = append(parts, remoteObjectText(arg))
		}
		h.addConsole(normalizeLevel(string(e.Type)), strings.Join(parts, " "), "console")
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			text := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				text = e.ExceptionDetails.Exception.Description
			}
			h.addConsole("error", text, "exception")
		}
	case *log.EventEntryAdded:
		if e.Entry != nil {
			h.addConsole(normalizeLevel(string(e.Entry.Level)), e.Entry.Text, string(e.Entry.Source))
		}
	}
}

func (h *Harvester) requestStarted(id network.RequestID, url string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	// A redirect reuses the request id; it stays a single in flight entry.
	h.inflight[id] = url
	h.lastSeen = time.Now()
}

func (h *Harvester) requestDone(id network.RequestID) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.inflight, id)
	h.lastSeen = time.Now()
}

func (h *Harvester) addConsole(level, text, source string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.console) >= maxConsoleEntries {
		h.dropped++
		return
	}
	h.console = append(h.console, ConsoleEntry{Level: level, Text: text, Source: source, At: time.Now()})
}

// Inflight returns the number of requests that have not finished.
func (h *Harvester) Inflight() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.inflight)
}

// Console returns a copy of the collected entries.
func (h *Harvester) Console() []ConsoleEntry {
	h.lock.RLock()
	defer h.lock.RUnlock()
	out := make([]ConsoleEntry, len(h.console))
	copy(out, h.console)
	return out
}

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		quietPeriod = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quietPeriod / 4)
	defer ticker.Stop()

	for {
		h.lock.RLock()
		inflight, last := len(h.inflight), h.lastSeen
		h.lock.RUnlock()

		if inflight == 0 && time.Since(last) >= quietPeriod {
			return nil
		}

		select {
		case <-ctx.Done():
			h.logger.Debug("WaitNetworkIdle aborted.", zap.Int("inflight_requests", inflight), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func normalizeLevel(level string) string {
	switch level {
	case "warning":
		return "warn"
	case "verbose":
		return "debug"
	case "":
		return "log"
	}
	return level
}

func remoteObjectText(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal([]byte(o.Value), &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	return o.Description
}
