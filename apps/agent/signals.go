package main

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core/channel"
)

var errMalformedLine = errors.New("malformed signal line")

// SignalSource yields the messages a monitored client sends, one at a time. Next returns
// io.EOF when the source is exhausted.
type SignalSource interface {
	Next() (channel.Message, error)
}

// lineSource reads one signal per line:
//
//	right-click
//	window-blur {"duration_ms": 3000}
//	answers {"q1": "b"}
//	submit {"q1": "b", "q2": "d"}
//	end
//
// Blank lines and lines starting with # are skipped.
type lineSource struct {
	scanner *bufio.Scanner
	now     func() time.Time
}

func newLineSource(r io.Reader) *lineSource {
	return &lineSource{scanner: bufio.NewScanner(r), now: time.Now}
}

func (src *lineSource) Next() (channel.Message, error) {
	for src.scanner.Scan() {
		line := strings.TrimSpace(src.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return src.parse(line)
	}
	if err := src.scanner.Err(); err != nil {
		return channel.Message{}, errors.Wrap(err, "reading signals")
	}
	return channel.Message{}, io.EOF
}

func (src *lineSource) parse(line string) (channel.Message, error) {
	word, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		word, rest = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch word {
	case "end":
		return channel.NewMessage(channel.KindEndMonitoring, channel.EndMonitoring{})
	case "answers", "submit":
		if rest == "" || !json.Valid([]byte(rest)) {
			return channel.Message{}, errors.Wrapf(errMalformedLine, "%s needs a JSON payload: %q", word, line)
		}
		return channel.NewMessage(channel.Kind(word), channel.Answers{Payload: json.RawMessage(rest)})
	}

	ev := channel.BrowserEvent{Kind: word, ClientTimestamp: src.now().UTC()}
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &ev.Metadata); err != nil {
			return channel.Message{}, errors.Wrapf(errMalformedLine, "metadata must be a JSON object: %q", line)
		}
	}
	return channel.NewMessage(channel.KindBrowserEvent, ev)
}
