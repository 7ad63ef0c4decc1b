package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"perpsim/exchange"
	"perpsim/feed"
)

// HashChain is the determinism proof for one run: identical inputs and
// engine version must reproduce every link bit for bit.
type HashChain struct {
	FullHash   string `json:"full_hash"`
	TradesHash string `json:"trades_hash"`
	EquityHash string `json:"equity_hash"`
	RunHash    string `json:"run_hash"`
}

func sha256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FullHash binds the canonical play, the market data fingerprint and the
// engine version.
func FullHash(playCanonical []byte, dataFingerprint, engineVersion string) string {
	return sha256Hex(playCanonical, []byte(dataFingerprint), []byte(engineVersion))
}

// TradesHash hashes the canonical concatenation of the trade records.
func TradesHash(trades []exchange.Trade) (string, error) {
	var sb strings.Builder
	for _, t := range trades {
		line, err := CanonicalJSON(t)
		if err != nil {
			return "", err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sha256Hex([]byte(sb.String())), nil
}

// EquityHash hashes the canonical concatenation of the equity points.
func EquityHash(points []exchange.EquityPoint) (string, error) {
	var sb strings.Builder
	for _, p := range points {
		line, err := CanonicalJSON(p)
		if err != nil {
			return "", err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sha256Hex([]byte(sb.String())), nil
}

// RunHash closes the chain over the run's summary.
func RunHash(fullHash, tradesHash, equityHash string, summaryCanonical []byte) string {
	return sha256Hex([]byte(fullHash), []byte(tradesHash), []byte(equityHash), summaryCanonical)
}

// FingerprintInputs digests the loaded market data: per-role frame contents,
// the funding series and the minute stream. Roles are visited in a fixed
// order so the digest never depends on map iteration.
func FingerprintInputs(frames map[feed.Role]feed.Frame, funding *feed.FundingSeries, minutes *feed.MinuteStream) string {
	h := sha256.New()

	roles := make([]string, 0, len(frames))
	for role := range frames {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, roleName := range roles {
		f := frames[feed.Role(roleName)]
		fmt.Fprintf(h, "frame|%s|%s|%s|%d\n", roleName, f.Symbol, f.TF, len(f.Bars))
		for _, b := range f.Bars {
			writeBarBytes(h, b)
		}
		keys := make([]string, 0, len(f.Indicators))
		for k := range f.Indicators {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "indicator|%s\n", k)
			for _, v := range f.Indicators[k] {
				binary.Write(h, binary.LittleEndian, v)
			}
		}
	}

	fmt.Fprintf(h, "funding|%d\n", funding.Len())
	funding.Each(func(r feed.FundingRate) {
		binary.Write(h, binary.LittleEndian, r.Ts)
		binary.Write(h, binary.LittleEndian, r.Rate)
	})

	fmt.Fprintf(h, "minutes|%d\n", minutes.Len())
	minutes.Each(func(b feed.Bar) {
		writeBarBytes(h, b)
	})

	return hex.EncodeToString(h.Sum(nil))
}

func writeBarBytes(h interface{ Write([]byte) (int, error) }, b feed.Bar) {
	binary.Write(h, binary.LittleEndian, b.TsOpen)
	binary.Write(h, binary.LittleEndian, b.TsClose)
	binary.Write(h, binary.LittleEndian, b.Open)
	binary.Write(h, binary.LittleEndian, b.High)
	binary.Write(h, binary.LittleEndian, b.Low)
	binary.Write(h, binary.LittleEndian, b.Close)
	binary.Write(h, binary.LittleEndian, b.Volume)
}
