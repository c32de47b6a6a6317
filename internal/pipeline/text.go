package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const defaultTextWidth = 80

// TextSettings configures the text pipeline.
type TextSettings struct {
	// Output is "stdout" or "none"; with "none" the widget only lands in the
	// proxy for an embedding host to draw.
	Output string `yaml:"output"`
	// Width of the widget in columns; 0 uses the terminal width.
	Width int  `yaml:"width"`
	Color bool `yaml:"color"`
}

type textStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
}

func newTextStyles(color bool) textStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return textStyles{title: plain, label: plain, warn: plain, dim: plain}
	}
	return textStyles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		warn:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// textProcessor renders a conky-like widget per tick. Sections without data
// are left out.
type textProcessor struct {
	w      io.Writer
	proxy  *Proxy
	width  int
	styles textStyles
	now    func() time.Time
}

func newTextEntry(logger *zap.Logger) Entry {
	proxy := NewProxy()
	return Entry{
		Name:        "text",
		Description: "conky-style text widget on stdout and in a shared proxy",
		Proxy:       proxy,
		Factory: func(settings Settings, proxy *Proxy) (Processor, error) {
			cfg := TextSettings{Output: "stdout", Color: term.IsTerminal(int(os.Stdout.Fd()))}
			if err := settings.Decode(&cfg); err != nil {
				return nil, err
			}
			var w io.Writer
			switch cfg.Output {
			case "stdout":
				w = os.Stdout
			case "none":
			default:
				return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
					"text output must be stdout or none, got %q", cfg.Output)
			}
			if cfg.Width <= 0 {
				cfg.Width = terminalWidth(logger)
			}
			return newTextProcessor(cfg, w, proxy), nil
		},
	}
}

func newTextProcessor(cfg TextSettings, w io.Writer, proxy *Proxy) *textProcessor {
	width := cfg.Width
	if width <= 0 {
		width = defaultTextWidth
	}
	return &textProcessor{w: w, proxy: proxy, width: width, styles: newTextStyles(cfg.Color), now: time.Now}
}

func terminalWidth(logger *zap.Logger) int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultTextWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		logger.Debug("Terminal size unavailable", zap.Error(err))
		return defaultTextWidth
	}
	return w
}

func (p *textProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	var sb strings.Builder
	for i, snap := range snapshots {
		if i > 0 {
			sb.WriteString("\n")
		}
		p.render(&sb, snap)
	}
	out := []byte(sb.String())
	if p.proxy != nil {
		p.proxy.Publish(out, nil, p.now())
	}
	if p.w != nil {
		if _, err := p.w.Write(out); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "writing text widget", err)
		}
	}
	return nil
}

func (p *textProcessor) Close() error { return nil }

func (p *textProcessor) render(sb *strings.Builder, s *models.MetricsSnapshot) {
	st := p.styles

	title := s.Target
	if s.Identity.Hostname != "" && s.Identity.Hostname != s.Target {
		title += " (" + s.Identity.Hostname + ")"
	}
	sb.WriteString(st.title.Render(title) + "\n")
	if s.Identity.OSName != "" || s.Identity.Kernel != "" {
		p.line(sb, "System", strings.TrimSpace(s.Identity.OSName+" "+s.Identity.OSVersion+" "+s.Identity.Kernel))
	}
	if s.UptimeSeconds > 0 {
		p.line(sb, "Uptime", formatUptime(s.UptimeSeconds))
	}
	p.rule(sb)

	var temp string
	if s.CPUTemp != models.TemperatureUnavailable {
		temp = fmt.Sprintf("%.0f°C", s.CPUTemp)
		if s.CPUTemp >= 85 {
			temp = st.warn.Render(temp)
		}
	}
	switch {
	case s.Enabled(string(config.FeatureCPU)):
		cpu := fmt.Sprintf("%5.1f%% %s", s.CPU.Usage, p.bar(s.CPU.Usage))
		if temp != "" {
			cpu += " " + temp
		}
		p.line(sb, "CPU", cpu)
		for _, c := range s.Cores {
			p.line(sb, fmt.Sprintf(" core%d", c.ID), fmt.Sprintf("%5.1f%% %s", c.Usage, p.bar(c.Usage)))
		}
	case temp != "":
		p.line(sb, "CPU temp", temp)
	}
	if len(s.FrequencyMHz) > 0 {
		p.line(sb, "Freq", fmt.Sprintf("%.0f MHz", s.FrequencyMHz[0]))
	}
	if s.Enabled(string(config.FeatureLoadAverage)) {
		p.line(sb, "Load", fmt.Sprintf("%.2f %.2f %.2f", s.Load.One, s.Load.Five, s.Load.Fifteen))
	}
	if s.Processes.Total > 0 {
		p.line(sb, "Procs", fmt.Sprintf("%s total, %d running, %d blocked",
			humanize.Comma(int64(s.Processes.Total)), s.Processes.Running, s.Processes.Blocked))
	}

	if m := s.Memory; m.TotalKB > 0 {
		p.line(sb, "RAM", fmt.Sprintf("%s / %s %s", kib(m.UsedKB), kib(m.TotalKB), p.bar(m.UsedPercent)))
		if m.SwapTotalKB > 0 {
			p.line(sb, "Swap", fmt.Sprintf("%s / %s", kib(m.SwapUsedKB), kib(m.SwapTotalKB)))
		}
	}

	if len(s.Network) > 0 {
		p.rule(sb)
		for _, n := range s.Network {
			label := n.Name
			if n.Address != "" {
				label += " " + st.dim.Render(n.Address)
			}
			p.line(sb, label, fmt.Sprintf("down %s/s  up %s/s",
				humanize.IBytes(uint64(n.RxBytesPerSec)), humanize.IBytes(uint64(n.TxBytesPerSec))))
		}
	}

	if len(s.Disks) > 0 {
		p.rule(sb)
		for _, d := range s.Disks {
			usage := "n/a"
			if d.Total > 0 {
				usage = fmt.Sprintf("%s / %s %s", humanize.IBytes(d.Used), humanize.IBytes(d.Total),
					p.bar(100*float64(d.Used)/float64(d.Total)))
			}
			p.line(sb, d.Path, usage)
			if !d.NoBaseline {
				p.line(sb, " io", fmt.Sprintf("r %s/s  w %s/s",
					humanize.IBytes(uint64(d.ReadBytesPerSec)), humanize.IBytes(uint64(d.WriteBytesPerSec))))
			}
		}
	}

	p.processes(sb, "Top CPU", s.TopCPU, func(pi models.ProcessInfo) string {
		return fmt.Sprintf("%5.1f%%", pi.CPU)
	})
	p.processes(sb, "Top memory", s.TopMemory, func(pi models.ProcessInfo) string {
		return kib(pi.RSSKB)
	})

	if len(s.Batteries) > 0 {
		p.rule(sb)
		for _, b := range s.Batteries {
			if b.Charge < 0 {
				p.line(sb, b.Name, b.Status)
				continue
			}
			p.line(sb, b.Name, fmt.Sprintf("%3.0f%% %s %s", b.Charge, p.bar(b.Charge), b.Status))
		}
	}
}

func (p *textProcessor) processes(sb *strings.Builder, title string, list []models.ProcessInfo, value func(models.ProcessInfo) string) {
	if len(list) == 0 {
		return
	}
	p.rule(sb)
	sb.WriteString(p.styles.title.Render(title) + "\n")
	for _, pi := range list {
		p.line(sb, fmt.Sprintf("%-16.16s", pi.Name), fmt.Sprintf("%7d %s", pi.PID, value(pi)))
	}
}

func (p *textProcessor) line(sb *strings.Builder, label, value string) {
	sb.WriteString(p.styles.label.Render(fmt.Sprintf("%-8s", label)) + " " + value + "\n")
}

func (p *textProcessor) rule(sb *strings.Builder) {
	sb.WriteString(p.styles.dim.Render(strings.Repeat("─", p.width)) + "\n")
}

// bar draws a percentage bar a quarter of the widget wide.
func (p *textProcessor) bar(pct float64) string {
	n := p.width / 4
	if n < 5 {
		n = 5
	}
	filled := int(clampPercent(pct)/100*float64(n) + 0.5)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", n-filled) + "]"
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func kib(kb uint64) string {
	return humanize.IBytes(kb * 1024)
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	mins := int(d / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	return fmt.Sprintf("%dh %dm", hours, mins)
}
