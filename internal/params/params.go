// Package params defines the validated parameter set for one color-image
// generation request against astscript-color-faint-gray.
package params

import (
	"fmt"
	"strconv"
	"strings"
)

// Bounds for the user-tunable fields. Optional threshold fields carry no
// bounds; unset means the external script auto-estimates them.
const (
	QBrightMin  = 0.0
	QBrightMax  = 100.0
	StretchMin  = 0.0
	StretchMax  = 100.0
	ContrastMin = 0.0
	ContrastMax = 100.0
	GammaMin    = 0.1
	GammaMax    = 10.0
	QualityMin  = 1
	QualityMax  = 100
)

// Set is one generation request's tuning. Optional fields are pointers (or
// empty strings/slices): nil is "let the script decide" and is distinct from
// an explicit zero.
type Set struct {
	QBright   float64 `json:"qbright"`
	Stretch   float64 `json:"stretch"`
	Contrast  float64 `json:"contrast"`
	Gamma     float64 `json:"gamma"`
	Quality   int     `json:"quality"`
	ColorOnly bool    `json:"coloronly"`

	ColorVal *float64 `json:"colorval,omitempty"`
	GrayVal  *float64 `json:"grayval,omitempty"`

	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
	// Zeropoint holds per-channel magnitude zero points in R, G, B order.
	// Either empty or exactly three values.
	Zeropoint []float64 `json:"zeropoint,omitempty"`

	HDU      string `json:"hdu,omitempty"`
	TempDir  string `json:"tmpdir,omitempty"`
	KeepTemp bool   `json:"keeptmp,omitempty"`
}

// Defaults returns the application defaults. These intentionally differ from
// the script's own defaults.
func Defaults() Set {
	return Set{
		QBright:  1.0,
		Stretch:  1.0,
		Contrast: 3.0,
		Gamma:    0.8,
		Quality:  95,
	}
}

// FieldError reports a single out-of-range field.
type FieldError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("parameter %s=%s out of range [%s, %s]",
		e.Field, formatFloat(e.Value), formatFloat(e.Min), formatFloat(e.Max))
}

// Validate checks every bounded field and the zeropoint arity. It returns the
// first violation found so callers can surface the offending field.
func (s Set) Validate() error {
	checks := []struct {
		field    string
		val      float64
		min, max float64
	}{
		{"qbright", s.QBright, QBrightMin, QBrightMax},
		{"stretch", s.Stretch, StretchMin, StretchMax},
		{"contrast", s.Contrast, ContrastMin, ContrastMax},
		{"gamma", s.Gamma, GammaMin, GammaMax},
		{"quality", float64(s.Quality), QualityMin, QualityMax},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return &FieldError{Field: c.field, Value: c.val, Min: c.min, Max: c.max}
		}
	}
	if n := len(s.Zeropoint); n != 0 && n != 3 {
		return fmt.Errorf("parameter zeropoint needs one value per channel (got %d, want 3)", n)
	}
	return nil
}

// Clamp forces every bounded field into its range. Editors call this before
// submission; Validate still guards the build path.
func (s *Set) Clamp() {
	s.QBright = clampF(s.QBright, QBrightMin, QBrightMax)
	s.Stretch = clampF(s.Stretch, StretchMin, StretchMax)
	s.Contrast = clampF(s.Contrast, ContrastMin, ContrastMax)
	s.Gamma = clampF(s.Gamma, GammaMin, GammaMax)
	if s.Quality < QualityMin {
		s.Quality = QualityMin
	}
	if s.Quality > QualityMax {
		s.Quality = QualityMax
	}
}

// Canonical returns a deterministic byte encoding of the effective parameter
// set for fingerprinting. Fields are emitted in a fixed order and unset
// optionals are encoded distinctly from zero values, so any logical
// difference between two sets yields different bytes.
func (s Set) Canonical() []byte {
	var b strings.Builder
	writeF := func(name string, v float64) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(formatFloat(v))
		b.WriteByte('\n')
	}
	writeOptF := func(name string, v *float64) {
		b.WriteString(name)
		b.WriteByte('=')
		if v == nil {
			b.WriteString("auto")
		} else {
			b.WriteString(formatFloat(*v))
		}
		b.WriteByte('\n')
	}

	writeF("qbright", s.QBright)
	writeF("stretch", s.Stretch)
	writeF("contrast", s.Contrast)
	writeF("gamma", s.Gamma)
	b.WriteString("quality=")
	b.WriteString(strconv.Itoa(s.Quality))
	b.WriteByte('\n')
	b.WriteString("coloronly=")
	b.WriteString(strconv.FormatBool(s.ColorOnly))
	b.WriteByte('\n')

	writeOptF("colorval", s.ColorVal)
	writeOptF("grayval", s.GrayVal)
	writeOptF("minimum", s.Minimum)
	writeOptF("maximum", s.Maximum)

	b.WriteString("zeropoint=")
	if len(s.Zeropoint) == 0 {
		b.WriteString("auto")
	} else {
		for i, zp := range s.Zeropoint {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(formatFloat(zp))
		}
	}
	b.WriteByte('\n')

	b.WriteString("hdu=")
	b.WriteString(s.HDU)
	b.WriteByte('\n')
	b.WriteString("tmpdir=")
	b.WriteString(s.TempDir)
	b.WriteByte('\n')
	b.WriteString("keeptmp=")
	b.WriteString(strconv.FormatBool(s.KeepTemp))
	b.WriteByte('\n')

	return []byte(b.String())
}

// Clone returns a deep copy so editors can mutate without aliasing a
// submitted request.
func (s Set) Clone() Set {
	out := s
	out.ColorVal = cloneF(s.ColorVal)
	out.GrayVal = cloneF(s.GrayVal)
	out.Minimum = cloneF(s.Minimum)
	out.Maximum = cloneF(s.Maximum)
	if s.Zeropoint != nil {
		out.Zeropoint = append([]float64(nil), s.Zeropoint...)
	}
	return out
}

// Float is a convenience for building optional fields in-line.
func Float(v float64) *float64 { return &v }

func cloneF(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func clampF(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
