package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/sandterm/internal/backend"
	"github.com/buildkite/sandterm/internal/endpoint"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

// palette renders CLI output. The zero palette leaves text unstyled.
type palette struct {
	enabled bool

	icon    lipgloss.Style
	title   lipgloss.Style
	field   lipgloss.Style
	summary lipgloss.Style
	status  map[string]lipgloss.Style
}

func newPalette(color bool) palette {
	if !color {
		return palette{}
	}
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI256)
	return palette{
		enabled: true,
		icon:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("45")),
		field:   r.NewStyle().Foreground(lipgloss.Color("252")),
		summary: r.NewStyle().Foreground(lipgloss.Color("246")),
		status: map[string]lipgloss.Style{
			"pass":    r.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
			"warn":    r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
			"fail":    r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
			"unknown": r.NewStyle().Bold(true).Foreground(lipgloss.Color("255")),
		},
	}
}

func (p palette) render(style lipgloss.Style, value string) string {
	if !p.enabled {
		return value
	}
	return style.Render(value)
}

var statusIcons = map[string]string{
	"pass":    "✓",
	"warn":    "!",
	"fail":    "✗",
	"unknown": "?",
}

func renderStartupHeader(h startupHeader, color bool) string {
	p := newPalette(color)
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "sandterm"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", p.render(p.icon, ">_"), p.render(p.title, title))
	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		fmt.Fprintf(&out, "   %s\n", p.render(p.field, key+": "+value))
	}
	out.WriteByte('\n')
	return out.String()
}

func renderDoctorReport(runtimeName string, checks []backend.DoctorCheck, color bool) string {
	p := newPalette(color)
	name := strings.TrimSpace(runtimeName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	out.WriteString(p.render(p.title, fmt.Sprintf("doctor report (%s)", name)))
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		statusBlock := p.render(p.status[status], fmt.Sprintf("%s [%s]", statusIcons[status], status))
		fmt.Fprintf(&out, "%s %s: %s\n", statusBlock, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	out.WriteString(p.render(p.summary, summary))
	out.WriteByte('\n')
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(f *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "sandterm"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
