package pricing

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are the normalized, billing-relevant parameters of a generation.
// They are persisted verbatim on the generation record and read back at
// reconciliation time.
type Params struct {
	Kind          string `json:"kind"`
	Duration      string `json:"duration,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	AspectRatio   string `json:"aspect_ratio,omitempty"`
	GenerateAudio bool   `json:"generate_audio,omitempty"`
	Mode          string `json:"mode,omitempty"`
	NumImages     int    `json:"num_images,omitempty"`
}

// Normalize lowercases enums, canonicalizes durations to "<n>s" and defaults
// image counts to one for image kinds.
func (p Params) Normalize() Params {
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	p.Resolution = strings.ToLower(strings.TrimSpace(p.Resolution))
	p.AspectRatio = strings.TrimSpace(p.AspectRatio)
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))

	d := strings.ToLower(strings.TrimSpace(p.Duration))
	if d != "" {
		d = strings.TrimSuffix(d, "sec")
		d = strings.TrimSuffix(d, "s")
		d = strings.TrimSpace(d)
		if n, err := strconv.Atoi(d); err == nil {
			d = strconv.Itoa(n) + "s"
		} else {
			d = p.Duration
		}
	}
	p.Duration = d

	if p.IsImage() && p.NumImages <= 0 {
		p.NumImages = 1
	}
	return p
}

// IsImage reports whether the kind produces images.
func (p Params) IsImage() bool {
	return p.Kind == "t2i" || p.Kind == "i2i"
}

// Seconds parses a normalized duration.
func (p Params) Seconds() (int, error) {
	if p.Duration == "" {
		return 0, fmt.Errorf("duration is required")
	}
	n, err := strconv.Atoi(strings.TrimSuffix(p.Duration, "s"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", p.Duration)
	}
	return n, nil
}
