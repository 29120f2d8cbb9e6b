package peer

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DefaultFilterPatterns match Apple manufacturer-data messages sent by
// devices that never run the protocol: AirDrop, AirPods, AirPlay, Handoff,
// tethering, nearby action and Find My. Patterns are matched against the
// upper-case hex of one message (type, length, data). The overflow area
// message (type 0x01) used by background peers is deliberately absent.
var DefaultFilterPatterns = []string{
	"^05",
	"^07",
	"^09",
	"^0A",
	"^0C",
	"^0D",
	"^0E",
	"^0F",
	"^10....14",
	"^12",
}

// A Filter is a deny-list of Apple advertisement signatures.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles patterns into a Filter.
func NewFilter(patterns ...string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("peer: filter pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// DefaultFilter returns a Filter over DefaultFilterPatterns.
func DefaultFilter() *Filter {
	f, err := NewFilter(DefaultFilterPatterns...)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether any message in the Apple manufacturer data md
// matches a pattern.
func (f *Filter) Match(md []byte) bool {
	for _, m := range AppleMessages(md) {
		s := strings.ToUpper(hex.EncodeToString(m))
		for _, re := range f.patterns {
			if re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

// AppleMessages splits Apple manufacturer data into type-length-value
// messages. A truncated trailing message is returned as is.
func AppleMessages(md []byte) [][]byte {
	var msgs [][]byte
	for len(md) > 0 {
		if len(md) < 2 {
			msgs = append(msgs, md)
			break
		}
		n := 2 + int(md[1])
		if n > len(md) {
			n = len(md)
		}
		msgs = append(msgs, md[:n])
		md = md[n:]
	}
	return msgs
}
