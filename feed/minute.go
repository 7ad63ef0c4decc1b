package feed

import "fmt"

// MinuteStream is the 1-minute quote stream for the whole run window. The
// exchange walks it inside each execution bar to order intra-bar triggers.
type MinuteStream struct {
	bars    []Bar
	openIdx map[int64]int
}

// NewMinuteStream freezes a 1m frame into a stream.
func NewMinuteStream(f Frame) (*MinuteStream, error) {
	if f.TF != TF1m {
		return nil, fmt.Errorf("minute stream requires 1m bars, got %s", f.TF)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ms := &MinuteStream{
		bars:    append([]Bar(nil), f.Bars...),
		openIdx: make(map[int64]int, len(f.Bars)),
	}
	for i, b := range ms.bars {
		ms.openIdx[b.TsOpen] = i
	}
	return ms, nil
}

// Len returns the number of 1m bars in the stream.
func (ms *MinuteStream) Len() int {
	if ms == nil {
		return 0
	}
	return len(ms.bars)
}

// Each visits the 1m bars in ascending order.
func (ms *MinuteStream) Each(fn func(Bar)) {
	if ms == nil {
		return
	}
	for _, b := range ms.bars {
		fn(b)
	}
}

// Slice returns the 1m bars covering [tsOpen, tsClose), i.e. the sub-bars of
// one execution bar. The returned slice aliases the stream; callers must not
// mutate it. Missing coverage returns nil so the caller can fall back to
// bar-level resolution.
func (ms *MinuteStream) Slice(tsOpen, tsClose int64) []Bar {
	if ms == nil {
		return nil
	}
	start, ok := ms.openIdx[tsOpen]
	if !ok {
		return nil
	}
	count := int((tsClose - tsOpen) / TF1m.Millis())
	if count <= 0 || start+count > len(ms.bars) {
		return nil
	}
	return ms.bars[start : start+count]
}

// At returns the 1m bar opening exactly at tsOpen.
func (ms *MinuteStream) At(tsOpen int64) (Bar, bool) {
	if ms == nil {
		return Bar{}, false
	}
	idx, ok := ms.openIdx[tsOpen]
	if !ok {
		return Bar{}, false
	}
	return ms.bars[idx], true
}
