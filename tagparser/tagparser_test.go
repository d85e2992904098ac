package tagparser

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func collect(events []Event) (visible, hidden string) {
	var vis, hid strings.Builder
	for _, ev := range events {
		if ev.Kind != EventContent {
			continue
		}
		if ev.Visible {
			vis.WriteString(ev.Text)
		} else {
			hid.WriteString(ev.Text)
		}
	}
	return vis.String(), hid.String()
}

func TestPlainTextIsVisible(t *testing.T) {
	p := New()
	events := p.Push("hello world")
	events = append(events, p.Flush()...)
	vis, hid := collect(events)
	require.Equal(t, "hello world", vis)
	require.Empty(t, hid)
	require.False(t, p.IsInsideBlock())
}

func TestFunctionCallsNesting(t *testing.T) {
	p := New()
	var events []Event
	events = append(events, p.Push("<function_calls>")...)
	events = append(events, p.Push(`<invoke name="t"></invoke>`)...)
	events = append(events, p.Push("</function_calls>")...)

	calls, results, thinking := p.Depths()
	require.Zero(t, calls)
	require.Zero(t, results)
	require.Zero(t, thinking)

	var starts, completes int
	for _, ev := range events {
		switch ev.Kind {
		case EventBlockStart:
			starts++
			require.Equal(t, BlockToolCall, ev.Type)
		case EventBlockComplete:
			completes++
			require.Equal(t, BlockToolCall, ev.Type)
		}
	}
	require.Equal(t, 1, starts)
	require.Equal(t, 1, completes)
}

func TestAntmlPrefixRecognized(t *testing.T) {
	p := New()
	p.Push("<" + "antml:function_calls>inner")
	require.True(t, p.IsInsideFunctionCalls())
	p.Push("</" + "antml:function_calls>")
	require.False(t, p.IsInsideFunctionCalls())
}

func TestPartialTagBuffering(t *testing.T) {
	p := New()
	var events []Event
	events = append(events, p.Push("Hello <th")...)
	events = append(events, p.Push("inking>secret</th")...)
	events = append(events, p.Push("inking> world")...)
	events = append(events, p.Flush()...)

	vis, hid := collect(events)
	require.Equal(t, "Hello  world", vis)
	require.Equal(t, "secret", hid)
	for _, ev := range events {
		if ev.Kind == EventContent {
			require.NotContains(t, ev.Text, "<thinking>")
			require.NotContains(t, ev.Text, "</thinking>")
		}
	}
}

func TestThinkingChunkTypeIsHidden(t *testing.T) {
	p := New()
	events := p.Push("<thinking>deep</thinking>")
	for _, ev := range events {
		if ev.Kind == EventContent && ev.Text == "deep" {
			require.Equal(t, BlockThinking, ev.Type)
			require.False(t, ev.Visible)
			return
		}
	}
	t.Fatalf("no thinking content event in %+v", events)
}

func TestUnrecognizedTagsPassThrough(t *testing.T) {
	p := New()
	events := append(p.Push("a <b>bold</b> and <functionX>nope</functionX> end"), p.Flush()...)
	vis, _ := collect(events)
	require.Equal(t, "a <b>bold</b> and <functionX>nope</functionX> end", vis)
	require.False(t, p.IsInsideBlock())
}

func TestSubTagsDoNotAffectDepth(t *testing.T) {
	p := New()
	p.Push(`<function_calls><invoke name="x"><parameter name="k">v</parameter></invoke>`)
	calls, _, _ := p.Depths()
	require.Equal(t, 1, calls)
	p.Push("</function_calls>")
	calls, _, _ = p.Depths()
	require.Zero(t, calls)
}

func TestUnbalancedCloseClampsToZero(t *testing.T) {
	p := New()
	p.Push("</thinking>text")
	_, _, thinking := p.Depths()
	require.Zero(t, thinking)
	require.Equal(t, 1, p.Anomalies())
}

func TestNestedSameKindIncrementsDepth(t *testing.T) {
	p := New()
	p.Push("<thinking><thinking>deep</thinking>")
	_, _, thinking := p.Depths()
	require.Equal(t, 1, thinking)
	require.True(t, p.IsInsideBlock())
	require.Equal(t, 1, p.Anomalies())
	p.Push("</thinking>")
	require.False(t, p.IsInsideBlock())
}

func TestLiteralAngleBeforeRealTag(t *testing.T) {
	p := New()
	events := append(p.Push("a < b <thinking>x</thinking>"), p.Flush()...)
	vis, hid := collect(events)
	require.Equal(t, "a < b ", vis)
	require.Equal(t, "x", hid)
}

func TestTrailingPartialTagFlushedAsLiteral(t *testing.T) {
	p := New()
	events := p.Push("count < 10")
	events = append(events, p.Flush()...)
	vis, _ := collect(events)
	require.Equal(t, "count < 10", vis)
}

func TestAccumulatedTextMatchesInput(t *testing.T) {
	p := New()
	p.Push("a<thinking>b</thinking>")
	p.Push("c")
	require.Equal(t, "a<thinking>b</thinking>c", p.AccumulatedText())
}

// TestChunkingInvariance verifies that any regrouping of a chunk sequence
// yields identical depths, accumulated text, and emitted content as feeding
// the concatenation whole.
func TestChunkingInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	corpus := "before <thinking>hidden reasoning</thinking> mid " +
		`<function_calls><invoke name="t"><parameter name="x">1</parameter></invoke></function_calls>` +
		" <function_results>out</function_results> after <b>tail</b> trailing < 10"

	feed := func(chunks []string) (string, string, [3]int, string) {
		p := New()
		var events []Event
		for _, c := range chunks {
			events = append(events, p.Push(c)...)
		}
		events = append(events, p.Flush()...)
		vis, hid := collect(events)
		c, r, th := p.Depths()
		return vis, hid, [3]int{c, r, th}, p.AccumulatedText()
	}

	properties.Property("regrouping does not change parse results", prop.ForAll(
		func(cuts []int) bool {
			// Build a partition of corpus from the generated cut points.
			points := map[int]bool{}
			for _, c := range cuts {
				if c > 0 && c < len(corpus) {
					points[c] = true
				}
			}
			var chunks []string
			prev := 0
			for i := 1; i < len(corpus); i++ {
				if points[i] {
					chunks = append(chunks, corpus[prev:i])
					prev = i
				}
			}
			chunks = append(chunks, corpus[prev:])

			v1, h1, d1, a1 := feed(chunks)
			v2, h2, d2, a2 := feed([]string{corpus})
			return v1 == v2 && h1 == h2 && d1 == d2 && a1 == a2
		},
		gen.SliceOf(gen.IntRange(1, len(corpus)-1)),
	))

	properties.TestingRun(t)
}
