package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"perpsim/feed"
)

// Namespace tags the first token of a dot-path. The evaluator dispatches on
// this tag; no string splitting happens per bar.
type Namespace uint8

const (
	NSBar Namespace = iota
	NSIndicator
	NSStructure
	NSPrice
	NSAccount
)

// barField enumerates the raw bar columns addressable through paths.
type barField uint8

const (
	fieldOpen barField = iota
	fieldHigh
	fieldLow
	fieldClose
	fieldVolume
	fieldBarsHigh // rolling highest high over Window bars
	fieldBarsLow  // rolling lowest low over Window bars
)

// priceField enumerates the price.* leaves.
type priceField uint8

const (
	priceClose priceField = iota
	priceLast
	priceMarkClose
	priceMarkHigh
	priceMarkLow
)

// accountField enumerates the account.* leaves.
type accountField uint8

const (
	accountEquity accountField = iota
	accountCash
	accountAvailable
	accountUsedMargin
	accountUnrealized
	accountPositionSide
	accountEntryPrice
	accountSizeUSDT
)

// Path is a compiled dot-path. It is built once at load time and resolved
// against a View with one switch, one map or array probe, and an index.
type Path struct {
	NS  Namespace
	Raw string

	Role   feed.Role // bar.*, indicator.*
	Key    string    // indicator key or structure block id
	Field  string    // structure field
	Offset int       // history offset, [n] suffix
	Window int       // bars_high_N / bars_low_N

	bar     barField
	price   priceField
	account accountField
}

// UnresolvedPathError reports a path that does not exist, naming the
// available alternatives so config mistakes are cheap to fix.
type UnresolvedPathError struct {
	Path         string
	Msg          string
	Alternatives []string
}

func (e *UnresolvedPathError) Error() string {
	s := fmt.Sprintf("unresolved path %q: %s", e.Path, e.Msg)
	if len(e.Alternatives) > 0 {
		s += " (available: " + strings.Join(e.Alternatives, ", ") + ")"
	}
	return s
}

func unresolved(raw, format string, args ...any) error {
	return &UnresolvedPathError{Path: raw, Msg: fmt.Sprintf(format, args...)}
}

var namespaceNames = []string{"bar", "indicator", "structure", "price", "account"}

// splitOffset splits a trailing [n] history suffix off a token.
func splitOffset(tok string) (string, int, error) {
	open := strings.IndexByte(tok, '[')
	if open < 0 {
		return tok, 0, nil
	}
	if !strings.HasSuffix(tok, "]") {
		return "", 0, fmt.Errorf("malformed offset in %q", tok)
	}
	n, err := strconv.Atoi(tok[open+1 : len(tok)-1])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("offset in %q must be a non-negative integer", tok)
	}
	return tok[:open], n, nil
}

// Compile parses a dot-path into its pre-resolved form. Syntax errors and
// unknown namespaces fail here; key existence is checked by Catalog.Check.
func Compile(raw string) (Path, error) {
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return Path{}, unresolved(raw, "expected <namespace>.<...>")
	}
	p := Path{Raw: raw}
	switch parts[0] {
	case "bar":
		p.NS = NSBar
	case "indicator":
		p.NS = NSIndicator
	case "structure":
		p.NS = NSStructure
	case "price":
		p.NS = NSPrice
	case "account":
		p.NS = NSAccount
	default:
		return Path{}, &UnresolvedPathError{
			Path: raw, Msg: fmt.Sprintf("unknown namespace %q", parts[0]),
			Alternatives: namespaceNames,
		}
	}

	switch p.NS {
	case NSBar, NSIndicator:
		if len(parts) < 3 {
			return Path{}, unresolved(raw, "expected %s.<role>.<key>", parts[0])
		}
		role, err := feed.ParseRole(parts[1])
		if err != nil {
			return Path{}, unresolved(raw, "%v", err)
		}
		p.Role = role
		last, off, err := splitOffset(parts[len(parts)-1])
		if err != nil {
			return Path{}, unresolved(raw, "%v", err)
		}
		p.Offset = off
		if p.NS == NSIndicator {
			// Indicator keys may be dotted (macd.signal); rejoin the tail.
			p.Key = strings.Join(append(append([]string{}, parts[2:len(parts)-1]...), last), ".")
			return p, nil
		}
		if len(parts) != 3 {
			return Path{}, unresolved(raw, "expected bar.<role>.<field>")
		}
		key := last
		switch {
		case key == "open":
			p.bar = fieldOpen
		case key == "high":
			p.bar = fieldHigh
		case key == "low":
			p.bar = fieldLow
		case key == "close":
			p.bar = fieldClose
		case key == "volume":
			p.bar = fieldVolume
		case strings.HasPrefix(key, "bars_high_"):
			p.bar = fieldBarsHigh
			w, err := strconv.Atoi(strings.TrimPrefix(key, "bars_high_"))
			if err != nil || w <= 0 {
				return Path{}, unresolved(raw, "bad rolling window in %q", key)
			}
			p.Window = w
		case strings.HasPrefix(key, "bars_low_"):
			p.bar = fieldBarsLow
			w, err := strconv.Atoi(strings.TrimPrefix(key, "bars_low_"))
			if err != nil || w <= 0 {
				return Path{}, unresolved(raw, "bad rolling window in %q", key)
			}
			p.Window = w
		default:
			return Path{}, &UnresolvedPathError{
				Path: raw, Msg: fmt.Sprintf("unknown bar field %q", key),
				Alternatives: []string{"open", "high", "low", "close", "volume", "bars_high_<n>", "bars_low_<n>"},
			}
		}
		return p, nil

	case NSStructure:
		if len(parts) != 3 {
			return Path{}, unresolved(raw, "expected structure.<block>.<field>")
		}
		p.Key = parts[1]
		p.Field = parts[2]
		return p, nil

	case NSPrice:
		switch strings.Join(parts[1:], ".") {
		case "close":
			p.price = priceClose
		case "last":
			p.price = priceLast
		case "mark.close":
			p.price = priceMarkClose
		case "mark.high":
			p.price = priceMarkHigh
		case "mark.low":
			p.price = priceMarkLow
		default:
			return Path{}, &UnresolvedPathError{
				Path: raw, Msg: "unknown price leaf",
				Alternatives: []string{"close", "last", "mark.close", "mark.high", "mark.low"},
			}
		}
		return p, nil

	default: // NSAccount
		if len(parts) != 2 {
			return Path{}, unresolved(raw, "expected account.<field>")
		}
		switch parts[1] {
		case "equity":
			p.account = accountEquity
		case "cash":
			p.account = accountCash
		case "available":
			p.account = accountAvailable
		case "used_margin":
			p.account = accountUsedMargin
		case "unrealized_pnl":
			p.account = accountUnrealized
		case "position_side":
			p.account = accountPositionSide
		case "entry_price":
			p.account = accountEntryPrice
		case "size_usdt":
			p.account = accountSizeUSDT
		default:
			return Path{}, &UnresolvedPathError{
				Path: raw, Msg: fmt.Sprintf("unknown account field %q", parts[1]),
				Alternatives: []string{"equity", "cash", "available", "used_margin",
					"unrealized_pnl", "position_side", "entry_price", "size_usdt"},
			}
		}
		return p, nil
	}
}
