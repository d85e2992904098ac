// Package contextmgr implements the context-window manager: hard
// budget enforcement, rolling eviction of old messages out of the active
// window, and cache-marker placement expressed to the Formatter via a
// has-cache-marker callback.
//
// The manager's State is caller-owned and threaded explicitly through each
// call; the package holds no shared mutable state.
package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/engine"
	"goa.design/clue/log"
)

// RollUnit selects whether the rolling policy's threshold and buffer are
// measured in messages or estimated tokens.
type RollUnit string

const (
	RollUnitMessages RollUnit = "messages"
	RollUnitTokens   RollUnit = "tokens"
)

// CachePolicy configures cache-marker placement.
type CachePolicy struct {
	// Points is the number of cache markers to place, 1..4. Zero means 1.
	Points int

	// MinTokens suppresses a marker whose cumulative estimated tokens fall
	// below this floor. Zero means 1024.
	MinTokens int

	// PreferUserMessages shifts each marker to the nearest preceding
	// user-role boundary.
	PreferUserMessages bool

	// TTL is the cache-control ttl forwarded to the Formatter ("5m" or "1h").
	TTL string
}

// Policy configures the Context Manager.
type Policy struct {
	// Hard limits checked before every call. Zero disables a limit.
	MaxCharacters int
	MaxTokens     int
	MaxMessages   int

	// Threshold triggers a roll once crossed; Buffer is how much recent
	// content survives the roll. Both are measured in Unit.
	Threshold int
	Buffer    int
	Unit      RollUnit

	// Grace defers rolling while fewer than Grace messages have been added
	// since the last roll.
	Grace int

	Cache CachePolicy

	// Estimator converts a message to an estimated token count. Defaults to
	// ceil(chars/4) with a fixed charge per image.
	Estimator func(content.Message) int
}

const imageTokenEstimate = 1500

// DefaultEstimator is the default token estimator: ceil of total text length
// over four, plus a fixed per-image charge.
func DefaultEstimator(m content.Message) int {
	chars := 0
	images := 0
	for _, p := range m.Content {
		switch v := p.(type) {
		case content.TextPart:
			chars += len(v.Text)
		case content.ImagePart:
			images++
		case content.ToolResultPart:
			if s, ok := v.Content.(string); ok {
				chars += len(s)
			}
		}
	}
	return (chars+3)/4 + images*imageTokenEstimate
}

func (p Policy) withDefaults() Policy {
	if p.Unit == "" {
		p.Unit = RollUnitMessages
	}
	if p.Cache.Points <= 0 {
		p.Cache.Points = 1
	}
	if p.Cache.Points > 4 {
		p.Cache.Points = 4
	}
	if p.Cache.MinTokens <= 0 {
		p.Cache.MinTokens = 1024
	}
	if p.Estimator == nil {
		p.Estimator = DefaultEstimator
	}
	return p
}

// Marker records one placed cache marker.
type Marker struct {
	MessageIndex  int
	TokenEstimate int
}

// State is the caller-owned context state threaded through Process calls.
// The zero value is the correct initial state.
type State struct {
	CacheMarkers      []Marker
	MessagesSinceRoll int
	TokensSinceRoll   int
	InGracePeriod     bool
	LastRollTime      time.Time
}

// Info describes what a Process call did to the window.
type Info struct {
	DidRoll         bool
	MessagesDropped int
	MessagesKept    int
	CacheMarkers    int
	CachedTokens    int
	UncachedTokens  int
	TotalTokens     int
	HardLimitHit    bool
}

// Manager drives an Engine with context-window management applied around
// every call. It is safe for concurrent use; per-call state lives in the
// caller-owned State value.
type Manager struct {
	policy Policy
	base   engine.Config
}

// New constructs a Manager that builds its Engine from base with the
// formatter's cache-marker callback and context prefix managed per call.
func New(base engine.Config, policy Policy) *Manager {
	return &Manager{policy: policy.withDefaults(), base: base}
}

// Process applies the rolling and caching policy to req, invokes the Engine's
// Stream, and returns the response alongside the updated State and an Info
// record describing what happened.
func (m *Manager) Process(ctx context.Context, req content.Request, st State) (*content.Response, *content.AbortedResponse, State, Info, error) {
	policy := m.policy
	var info Info

	estimates := make([]int, len(req.Messages))
	totalTokens, totalChars := 0, 0
	for i, msg := range req.Messages {
		estimates[i] = policy.Estimator(msg)
		totalTokens += estimates[i]
		totalChars += charCount(msg)
	}
	info.TotalTokens = totalTokens

	// Hard limits (step 1): a violation forces a roll regardless of the
	// threshold policy.
	if (policy.MaxCharacters > 0 && totalChars > policy.MaxCharacters) ||
		(policy.MaxTokens > 0 && totalTokens > policy.MaxTokens) ||
		(policy.MaxMessages > 0 && len(req.Messages) > policy.MaxMessages) {
		info.HardLimitHit = true
	}

	// Roll decision (step 2).
	shouldRoll := info.HardLimitHit
	if !shouldRoll && policy.Threshold > 0 {
		switch policy.Unit {
		case RollUnitTokens:
			shouldRoll = totalTokens > policy.Threshold
		default:
			shouldRoll = len(req.Messages) > policy.Threshold
		}
	}
	if shouldRoll && !info.HardLimitHit && policy.Grace > 0 && st.MessagesSinceRoll < policy.Grace {
		shouldRoll = false
		st.InGracePeriod = true
	} else {
		st.InGracePeriod = false
	}

	kept := req.Messages
	keptEstimates := estimates
	contextPrefix := ""
	if shouldRoll {
		keepFrom := rollBoundary(req.Messages, estimates, policy)
		dropped := req.Messages[:keepFrom]
		kept = req.Messages[keepFrom:]
		keptEstimates = estimates[keepFrom:]
		contextPrefix = summarizeDropped(dropped)
		info.DidRoll = true
		info.MessagesDropped = len(dropped)
		st.MessagesSinceRoll = 0
		st.TokensSinceRoll = 0
		st.LastRollTime = time.Now()
		log.Print(ctx, log.KV{K: "component", V: "contextmgr"}, log.KV{K: "event", V: "window_rolled"},
			log.KV{K: "dropped", V: len(dropped)}, log.KV{K: "kept", V: len(kept)})
	} else {
		st.MessagesSinceRoll++
		st.TokensSinceRoll += totalTokens
	}
	info.MessagesKept = len(kept)

	// Cache markers (step 3).
	markers := placeMarkers(kept, keptEstimates, policy.Cache)
	st.CacheMarkers = markers
	info.CacheMarkers = len(markers)
	if len(markers) > 0 {
		last := markers[len(markers)-1]
		info.CachedTokens = last.TokenEstimate
	}
	info.UncachedTokens = sum(keptEstimates) - info.CachedTokens

	// Engine invocation (step 4): marker placement is expressed via the
	// formatter's callback; the system-level marker is the formatter's own.
	markerSet := make(map[int]bool, len(markers))
	for _, mk := range markers {
		markerSet[mk.MessageIndex] = true
	}
	cfg := m.base
	cfg.Formatter.PromptCaching = true
	cfg.Formatter.CacheTTL = policy.Cache.TTL
	cfg.Formatter.ContextPrefix = contextPrefix
	cfg.Formatter.HasCacheMarker = func(_ content.Message, i int) bool { return markerSet[i] }

	trimmed := req
	trimmed.Messages = kept

	resp, aborted, err := engine.New(cfg).Stream(ctx, trimmed)
	return resp, aborted, st, info, err
}

// rollBoundary returns the index of the first kept message: everything before
// it is dropped, keeping the most recent Buffer worth of content.
func rollBoundary(msgs []content.Message, estimates []int, policy Policy) int {
	if policy.Buffer <= 0 {
		return 0
	}
	switch policy.Unit {
	case RollUnitTokens:
		kept := 0
		for i := len(msgs) - 1; i >= 0; i-- {
			kept += estimates[i]
			if kept > policy.Buffer {
				return i + 1
			}
		}
		return 0
	default:
		if len(msgs) <= policy.Buffer {
			return 0
		}
		return len(msgs) - policy.Buffer
	}
}

// placeMarkers computes up to cache.Points marker positions over the kept
// window: the last marker sits at the end of the most static prefix for each
// configured point (50%, 75%, 90% of the window for points beyond the first,
// which covers the whole static prefix). Markers below the MinTokens floor
// are suppressed; PreferUserMessages shifts each marker back to the nearest
// non-assistant boundary.
func placeMarkers(msgs []content.Message, estimates []int, cache CachePolicy) []Marker {
	if len(msgs) == 0 {
		return nil
	}
	cumulative := make([]int, len(msgs))
	running := 0
	for i, e := range estimates {
		running += e
		cumulative[i] = running
	}

	fractions := markerFractions(cache.Points)
	var markers []Marker
	lastIdx := -1
	for _, frac := range fractions {
		idx := int(float64(len(msgs))*frac) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(msgs) {
			idx = len(msgs) - 1
		}
		if cache.PreferUserMessages {
			for idx > 0 && msgs[idx].Participant == "assistant" {
				idx--
			}
		}
		if idx <= lastIdx {
			continue
		}
		if cumulative[idx] < cache.MinTokens {
			continue
		}
		markers = append(markers, Marker{MessageIndex: idx, TokenEstimate: cumulative[idx]})
		lastIdx = idx
	}
	return markers
}

// markerFractions returns the window-interior marker positions for a point
// budget. The first point is always spent on the system+tools prefix by the
// formatter, so one point yields no interior markers.
func markerFractions(points int) []float64 {
	switch points {
	case 1:
		return nil
	case 2:
		return []float64{0.5}
	case 3:
		return []float64{0.5, 0.75}
	default:
		return []float64{0.5, 0.75, 0.9}
	}
}

// summarizeDropped renders dropped messages into a compact context prefix the
// Formatter seeds as the first cached assistant turn.
func summarizeDropped(dropped []content.Message) string {
	if len(dropped) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Summary of %d earlier messages]\n", len(dropped))
	for _, m := range dropped {
		text := content.ExtractText(m)
		if text == "" {
			continue
		}
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		b.WriteString(m.Participant)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func charCount(m content.Message) int {
	n := 0
	for _, p := range m.Content {
		if tp, ok := p.(content.TextPart); ok {
			n += len(tp.Text)
		}
	}
	return n
}

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}
