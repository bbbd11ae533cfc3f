package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownFormat   = errors.New("unknown output format")
	ErrBitrateRequired = errors.New("bitrate is required for lossy formats")
)

type formatKind uint8

const (
	formatMP3 formatKind = iota + 1
	formatAAC
	formatFLAC
)

// Format is the requested output format. The set is closed: build values
// with MP3, AAC or FLAC.
type Format struct {
	kind    formatKind
	bitrate uint
}

// MP3 encodes with libmp3lame at the given bitrate in kbit/s.
func MP3(kbps uint) Format { return Format{kind: formatMP3, bitrate: kbps} }

// AAC encodes with the native aac encoder at the given bitrate in kbit/s.
func AAC(kbps uint) Format { return Format{kind: formatAAC, bitrate: kbps} }

// FLAC is lossless and carries no bitrate.
func FLAC() Format { return Format{kind: formatFLAC} }

// ParseFormat maps a format name from a request onto a Format.
// The bitrate is ignored for FLAC.
func ParseFormat(name string, kbps uint) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mp3":
		if kbps == 0 {
			return Format{}, fmt.Errorf("%w: mp3", ErrBitrateRequired)
		}
		return MP3(kbps), nil
	case "aac":
		if kbps == 0 {
			return Format{}, fmt.Errorf("%w: aac", ErrBitrateRequired)
		}
		return AAC(kbps), nil
	case "flac":
		return FLAC(), nil
	default:
		return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// IsZero reports whether f was built without one of the constructors.
func (f Format) IsZero() bool { return f.kind == 0 }

// Codec returns the encoder name passed to -c:a.
func (f Format) Codec() string {
	switch f.kind {
	case formatMP3:
		return "libmp3lame"
	case formatAAC:
		return "aac"
	case formatFLAC:
		return "flac"
	}
	panic(fmt.Sprintf("task: invalid format kind %d", f.kind))
}

// Bitrate returns the bitrate in kbit/s, if the format carries one.
func (f Format) Bitrate() (uint, bool) {
	switch f.kind {
	case formatMP3, formatAAC:
		return f.bitrate, true
	default:
		return 0, false
	}
}

// Ext is the file extension of the encoded output.
func (f Format) Ext() string {
	return f.String()
}

func (f Format) String() string {
	switch f.kind {
	case formatMP3:
		return "mp3"
	case formatAAC:
		return "aac"
	case formatFLAC:
		return "flac"
	}
	return "invalid"
}

func (f Format) MarshalText() ([]byte, error) {
	if f.kind == 0 {
		return []byte{}, nil
	}
	if br, ok := f.Bitrate(); ok {
		return []byte(fmt.Sprintf("%s@%dk", f, br)), nil
	}
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*f = Format{}
		return nil
	}
	name, rate, _ := strings.Cut(string(text), "@")
	var kbps uint
	if rate != "" {
		if _, err := fmt.Sscanf(rate, "%dk", &kbps); err != nil {
			return fmt.Errorf("invalid bitrate %q: %w", rate, err)
		}
	}
	parsed, err := ParseFormat(name, kbps)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
