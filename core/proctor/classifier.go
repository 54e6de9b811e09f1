package proctor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Notes attached to audit entries.
const (
	noteBelowFloor    = "below duration floor"
	noteNotPersistent = "not persistent"
	noteDowngraded    = "non-qualifying by configuration"
	noteUnknownKind   = "unknown signal kind"
	noteMalformed     = "malformed metadata"
	noteDeduplicated  = "deduplicated"
	noteNotMonitoring = "not monitoring"
	noteAtEntry       = "missing at entry"

	durationKey = "duration_ms"
)

type ClassifierConfig struct {
	// BlurFloor: window-blur signals reporting a shorter duration do not qualify.
	BlurFloor time.Duration
	// GapPersistence: connection-gap signals qualify from this duration on.
	GapPersistence time.Duration
	// NonQualifying downgrades the listed kinds.
	NonQualifying []Kind
}

type Classification struct {
	Record     ViolationRecord
	Qualifying bool
	Note       string
}

// Rule decides whether a signal of one kind qualifies.
type Rule interface {
	Kind() Kind
	Qualifies(sig Signal) (bool, string)
}

// Classifier maps raw signals to violation records. It holds no per-session state.
type Classifier struct {
	rules map[Kind]Rule
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	rules := []Rule{
		blurRule{floor: cfg.BlurFloor},
		qualifyingRule{kind: KindProhibitedShortcut},
		qualifyingRule{kind: KindRightClick},
		qualifyingRule{kind: KindFullscreenExit},
		qualifyingRule{kind: KindScreenShareStopped},
		gapRule{persistence: cfg.GapPersistence},
	}
	c := &Classifier{rules: make(map[Kind]Rule, len(rules))}
	for _, r := range rules {
		c.rules[r.Kind()] = r
	}
	for _, k := range cfg.NonQualifying {
		if _, ok := c.rules[k]; ok {
			c.rules[k] = downgradedRule{kind: k}
		}
	}
	return c
}

// Classify never fails: unknown kinds and malformed metadata yield a non-qualifying record.
func (c *Classifier) Classify(sig Signal) Classification {
	cl := Classification{
		Record: ViolationRecord{
			Kind:            sig.Kind,
			Timestamp:       sig.Timestamp,
			ClientTimestamp: sig.ClientTimestamp,
			Payload:         sig.Metadata,
		},
	}
	if sig.Malformed {
		cl.Note = noteMalformed
		return cl
	}
	rule, ok := c.rules[sig.Kind]
	if !ok {
		cl.Note = noteUnknownKind
		return cl
	}
	cl.Qualifying, cl.Note = rule.Qualifies(sig)
	return cl
}

type qualifyingRule struct {
	kind Kind
}

func (r qualifyingRule) Kind() Kind                      { return r.kind }
func (r qualifyingRule) Qualifies(Signal) (bool, string) { return true, "" }

type downgradedRule struct {
	kind Kind
}

func (r downgradedRule) Kind() Kind                      { return r.kind }
func (r downgradedRule) Qualifies(Signal) (bool, string) { return false, noteDowngraded }

// blurRule ignores brief visibility changes. A blur with no reported duration qualifies.
type blurRule struct {
	floor time.Duration
}

func (r blurRule) Kind() Kind { return KindWindowBlur }

func (r blurRule) Qualifies(sig Signal) (bool, string) {
	d, found, err := durationMetadata(sig.Metadata)
	if err != nil {
		return false, noteMalformed
	}
	if found && d < r.floor {
		return false, noteBelowFloor
	}
	return true, ""
}

// gapRule only counts connection gaps once they persist.
type gapRule struct {
	persistence time.Duration
}

func (r gapRule) Kind() Kind { return KindConnectionGap }

func (r gapRule) Qualifies(sig Signal) (bool, string) {
	d, found, err := durationMetadata(sig.Metadata)
	if err != nil {
		return false, noteMalformed
	}
	if !found || r.persistence <= 0 || d < r.persistence {
		return false, noteNotPersistent
	}
	return true, ""
}

func durationMetadata(meta map[string]interface{}) (time.Duration, bool, error) {
	raw, ok := meta[durationKey]
	if !ok || raw == nil {
		return 0, false, nil
	}
	var ms float64
	switch v := raw.(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	case uint64:
		ms = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, true, err
		}
		ms = f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, true, err
		}
		ms = f
	default:
		return 0, true, fmt.Errorf("%s: unexpected type %T", durationKey, raw)
	}
	if ms < 0 {
		return 0, true, fmt.Errorf("%s: negative duration", durationKey)
	}
	return time.Duration(ms * float64(time.Millisecond)), true, nil
}

// Deduper collapses qualifying signals of the same kind arriving within window of the last
// counted one. It belongs to a single session.
type Deduper struct {
	window time.Duration
	last   map[Kind]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, last: make(map[Kind]time.Time)}
}

// Admit reports whether a qualifying signal of kind k at time at should count.
func (d *Deduper) Admit(k Kind, at time.Time) bool {
	if last, ok := d.last[k]; ok && d.window > 0 && at.Sub(last) < d.window {
		return false
	}
	d.last[k] = at
	return true
}
