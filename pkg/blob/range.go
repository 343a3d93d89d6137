package blob

import (
	"fmt"
	"strconv"
	"strings"
)

// Range selects part of an object. A positive Suffix selects the last Suffix
// bytes; otherwise Offset is the first byte and Length the number of bytes,
// with Length == 0 meaning "through the end".
type Range struct {
	Offset int64
	Length int64
	Suffix int64
}

// IsSuffix reports whether r is a suffix range.
func (r Range) IsSuffix() bool { return r.Suffix > 0 }

// ParseRange parses a single "bytes=" range. It returns nil, nil for an empty
// header and ErrMalformedRange for anything it cannot represent, including
// multi-part ranges.
func ParseRange(header string) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil, ErrMalformedRange
	}
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.Contains(spec, ",") {
		return nil, ErrMalformedRange
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, ErrMalformedRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrMalformedRange
		}
		return &Range{Suffix: n}, nil
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrMalformedRange
	}
	if last == "" {
		return &Range{Offset: start}, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, ErrMalformedRange
	}
	return &Range{Offset: start, Length: end - start + 1}, nil
}

// Bounds resolves r against size into inclusive byte positions.
func (r Range) Bounds(size int64) (start, end int64, err error) {
	if size <= 0 {
		return 0, 0, &RangeError{Size: size}
	}
	if r.IsSuffix() {
		n := min(r.Suffix, size)
		return size - n, size - 1, nil
	}
	if r.Offset >= size {
		return 0, 0, &RangeError{Size: size}
	}
	end = size - 1
	if r.Length > 0 {
		end = min(r.Offset+r.Length-1, size-1)
	}
	return r.Offset, end, nil
}

// Clamp returns the effective range for an object of the given size: suffixes
// longer than the object shrink to it and lengths stop at the last byte.
func (r Range) Clamp(size int64) (Range, error) {
	start, end, err := r.Bounds(size)
	if err != nil {
		return Range{}, err
	}
	if r.IsSuffix() {
		return Range{Suffix: end - start + 1}, nil
	}
	if r.Length == 0 {
		return Range{Offset: start}, nil
	}
	return Range{Offset: start, Length: end - start + 1}, nil
}

// ContentRange renders the Content-Range header value of r against an object
// of the given size.
func (r Range) ContentRange(size int64) string {
	switch {
	case r.IsSuffix():
		return fmt.Sprintf("bytes %d-%d/%d", size-r.Suffix, size-1, size)
	case r.Length > 0:
		return fmt.Sprintf("bytes %d-%d/%d", r.Offset, r.Offset+r.Length-1, size)
	default:
		return fmt.Sprintf("bytes %d-%d/%d", r.Offset, size-1, size)
	}
}

// String renders r as a Range request header value.
func (r Range) String() string {
	switch {
	case r.IsSuffix():
		return fmt.Sprintf("bytes=-%d", r.Suffix)
	case r.Length > 0:
		return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
	default:
		return fmt.Sprintf("bytes=%d-", r.Offset)
	}
}
