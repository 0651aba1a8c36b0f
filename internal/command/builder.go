// Package command builds argument vectors for astscript-color-faint-gray.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chromafits/internal/params"
)

// Inputs names the three channel files in R, G, B order.
type Inputs struct {
	Red   string `json:"red"`
	Green string `json:"green"`
	Blue  string `json:"blue"`
}

// Paths returns the channel files as an ordered array.
func (in Inputs) Paths() [3]string {
	return [3]string{in.Red, in.Green, in.Blue}
}

// ErrMissingInput reports an empty channel path at build time.
var ErrMissingInput = errors.New("missing input channel path")

// Builder constructs astscript invocations from a parameter set. Build is a
// pure function of its arguments: no filesystem access, no shell involved.
type Builder struct {
	ToolPath string
}

// NewBuilder returns a Builder invoking the given executable (name or path).
func NewBuilder(toolPath string) *Builder {
	return &Builder{ToolPath: toolPath}
}

// Build produces the full argument vector, executable first. Parameters are
// re-validated here even though editors clamp, so an out-of-range value can
// never reach the process spawn. Arguments stay a vector end to end; nothing
// is ever joined into a shell string.
func (b *Builder) Build(p params.Set, in Inputs, outputPath string) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, ch := range []struct{ name, path string }{
		{"red", in.Red}, {"green", in.Green}, {"blue", in.Blue},
	} {
		if strings.TrimSpace(ch.path) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, ch.name)
		}
	}
	if strings.TrimSpace(outputPath) == "" {
		return nil, errors.New("missing output path")
	}

	argv := []string{b.ToolPath}

	if hdu := strings.TrimSpace(p.HDU); hdu != "" {
		for _, h := range strings.Split(hdu, ",") {
			if h = strings.TrimSpace(h); h != "" {
				argv = append(argv, "--hdu", h)
			}
		}
	}

	argv = append(argv, in.Red, in.Green, in.Blue)

	argv = append(argv,
		"--qbright", ftoa(p.QBright),
		"--stretch", ftoa(p.Stretch),
		"--contrast", ftoa(p.Contrast),
		"--gamma", ftoa(p.Gamma),
		"--quality", strconv.Itoa(p.Quality),
	)

	if p.Minimum != nil {
		argv = append(argv, "--minimum", ftoa(*p.Minimum))
	}
	if p.Maximum != nil {
		argv = append(argv, "--maximum", ftoa(*p.Maximum))
	}
	for _, zp := range p.Zeropoint {
		argv = append(argv, "--zeropoint", ftoa(zp))
	}
	if p.ColorVal != nil {
		argv = append(argv, "--colorval", ftoa(*p.ColorVal))
	}
	if p.GrayVal != nil {
		argv = append(argv, "--grayval", ftoa(*p.GrayVal))
	}
	if p.ColorOnly {
		argv = append(argv, "--coloronly")
	}
	if p.TempDir != "" {
		argv = append(argv, "--tmpdir", p.TempDir)
	}
	if p.KeepTemp {
		argv = append(argv, "--keeptmp")
	}

	argv = append(argv, "--output", outputPath)
	return argv, nil
}

// Render formats an argument vector for display: positional arguments share
// the first line, each flag continues on its own indented line. This is the
// string users copy into a terminal or see in the command history dialog.
func Render(argv []string) string {
	if len(argv) == 0 {
		return ""
	}

	// Every option of the script is a long flag, so a lone "-" prefix marks a
	// value (a negative number), not a new flag.
	isFlag := func(s string) bool { return strings.HasPrefix(s, "--") }

	var lines []string
	current := argv[0]
	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		if isFlag(arg) {
			lines = append(lines, current+" \\")
			current = "  " + arg
			if i+1 < len(argv) && !isFlag(argv[i+1]) {
				i++
				current += " " + argv[i]
			}
		} else {
			current += " " + arg
		}
	}
	lines = append(lines, current)
	return strings.Join(lines, "\n")
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
