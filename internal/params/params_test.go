package params

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults must validate, got %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Set)
		field  string
	}{
		{"qbright too high", func(s *Set) { s.QBright = 100.5 }, "qbright"},
		{"qbright negative", func(s *Set) { s.QBright = -0.1 }, "qbright"},
		{"stretch too high", func(s *Set) { s.Stretch = 101 }, "stretch"},
		{"contrast negative", func(s *Set) { s.Contrast = -1 }, "contrast"},
		{"gamma below min", func(s *Set) { s.Gamma = 0.05 }, "gamma"},
		{"gamma above max", func(s *Set) { s.Gamma = 10.1 }, "gamma"},
		{"quality zero", func(s *Set) { s.Quality = 0 }, "quality"},
		{"quality above max", func(s *Set) { s.Quality = 101 }, "quality"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Defaults()
			tc.mutate(&s)
			err := s.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %T", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, fe.Field)
			}
		})
	}
}

func TestValidateZeropointArity(t *testing.T) {
	s := Defaults()
	s.Zeropoint = []float64{22.5}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for one zeropoint value")
	}
	s.Zeropoint = []float64{22.5, 22.5, 22.5}
	if err := s.Validate(); err != nil {
		t.Fatalf("three zeropoint values must validate, got %v", err)
	}
	s.Zeropoint = nil
	if err := s.Validate(); err != nil {
		t.Fatalf("empty zeropoint must validate, got %v", err)
	}
}

func TestValidateAllowsBoundaryValues(t *testing.T) {
	s := Set{QBright: 0, Stretch: 100, Contrast: 0, Gamma: 0.1, Quality: 1}
	if err := s.Validate(); err != nil {
		t.Fatalf("boundary values must validate, got %v", err)
	}
}

func TestClampForcesIntoRange(t *testing.T) {
	s := Set{QBright: -5, Stretch: 200, Contrast: 50, Gamma: 0, Quality: 0}
	s.Clamp()
	if s.QBright != QBrightMin {
		t.Fatalf("qbright not clamped: %g", s.QBright)
	}
	if s.Stretch != StretchMax {
		t.Fatalf("stretch not clamped: %g", s.Stretch)
	}
	if s.Contrast != 50 {
		t.Fatalf("in-range contrast must survive clamp: %g", s.Contrast)
	}
	if s.Gamma != GammaMin {
		t.Fatalf("gamma not clamped: %g", s.Gamma)
	}
	if s.Quality != QualityMin {
		t.Fatalf("quality not clamped: %d", s.Quality)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("clamped set must validate, got %v", err)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	a := Defaults()
	a.ColorVal = Float(0.6)
	a.Zeropoint = []float64{22.5, 23.1, 21.9}
	b := a.Clone()
	if !bytes.Equal(a.Canonical(), b.Canonical()) {
		t.Fatalf("identical sets must encode identically")
	}
}

func TestCanonicalDistinguishesUnsetFromZero(t *testing.T) {
	auto := Defaults()
	explicit := Defaults()
	explicit.ColorVal = Float(0)
	if bytes.Equal(auto.Canonical(), explicit.Canonical()) {
		t.Fatalf("nil colorval and explicit 0 must encode differently")
	}
}

func TestCanonicalChangesWithEveryField(t *testing.T) {
	base := Defaults()
	mutations := map[string]func(*Set){
		"qbright":   func(s *Set) { s.QBright = 2.0 },
		"stretch":   func(s *Set) { s.Stretch = 0.5 },
		"contrast":  func(s *Set) { s.Contrast = 4.0 },
		"gamma":     func(s *Set) { s.Gamma = 1.0 },
		"quality":   func(s *Set) { s.Quality = 80 },
		"coloronly": func(s *Set) { s.ColorOnly = true },
		"colorval":  func(s *Set) { s.ColorVal = Float(0.4) },
		"grayval":   func(s *Set) { s.GrayVal = Float(2.1) },
		"minimum":   func(s *Set) { s.Minimum = Float(0) },
		"maximum":   func(s *Set) { s.Maximum = Float(100) },
		"zeropoint": func(s *Set) { s.Zeropoint = []float64{22, 22, 22} },
		"hdu":       func(s *Set) { s.HDU = "1" },
		"tmpdir":    func(s *Set) { s.TempDir = "/tmp/scratch" },
		"keeptmp":   func(s *Set) { s.KeepTemp = true },
	}
	ref := base.Canonical()
	for name, mutate := range mutations {
		s := base.Clone()
		mutate(&s)
		if bytes.Equal(ref, s.Canonical()) {
			t.Fatalf("changing %s did not change the encoding", name)
		}
	}
}

func TestCanonicalCoversTempSettings(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.TempDir = "/tmp/scratch"
	b.KeepTemp = true
	if bytes.Equal(a.Canonical(), b.Canonical()) {
		t.Fatalf("tmpdir and keeptmp must change the encoding")
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := Defaults()
	a.ColorVal = Float(0.5)
	a.Zeropoint = []float64{22, 22, 22}
	b := a.Clone()
	*b.ColorVal = 0.9
	b.Zeropoint[0] = 1
	if *a.ColorVal != 0.5 {
		t.Fatalf("clone aliases colorval")
	}
	if a.Zeropoint[0] != 22 {
		t.Fatalf("clone aliases zeropoint")
	}
}
