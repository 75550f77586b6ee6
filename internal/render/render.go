// Package render turns a content item into a vertical video with ffmpeg.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/source"
)

const (
	minDuration    = 4.0
	maxDuration    = 60.0
	wordsPerSecond = 2.5
	fadeSeconds    = 0.5
	captionWidth   = 22
)

// Artifact is a rendered video on local storage.
type Artifact struct {
	Path            string    `json:"path"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	CreatedAt       time.Time `json:"created_at"`
	SourceContentID string    `json:"source_content_id"`
	Degraded        bool      `json:"degraded"`
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Config holds renderer settings.
type Config struct {
	Dir    string
	FFmpeg string
	Width  int
	Height int
	FPS    int
	Font   string
}

// Background colors for full renders, picked at random per video.
var backgrounds = []string{
	"0x191970", "0x483D8B", "0x6A5ACD", "0x1E90FF",
	"0x006400", "0x556B2F", "0x8B4513", "0xA0522D",
}

// Renderer produces artifacts from content items.
type Renderer struct {
	cfg    Config
	runner CommandRunner
	now    func() time.Time
	intn   func(int) int
	logger *slog.Logger
}

// New creates a Renderer. Zero config fields get 1080x1920 at 30fps and the
// ffmpeg binary on PATH. A nil runner uses ExecRunner.
func New(cfg Config, runner CommandRunner) *Renderer {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.Width <= 0 {
		cfg.Width = 1080
	}
	if cfg.Height <= 0 {
		cfg.Height = 1920
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Renderer{
		cfg:    cfg,
		runner: runner,
		now:    time.Now,
		intn:   rand.IntN,
		logger: slog.Default(),
	}
}

// Render writes a video for item into the artifact directory. It tries the
// full render first and falls back to a static text-only render. If both
// fail the error is classified render_failed.
func (r *Renderer) Render(ctx context.Context, item source.ContentItem) (Artifact, error) {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return Artifact{}, failure.New(failure.RenderFailed, "render", fmt.Errorf("creating artifact directory: %w", err))
	}

	now := r.now()
	duration := Duration(item)
	id := item.ID
	if len(id) > 8 {
		id = id[:8]
	}
	out := filepath.Join(r.cfg.Dir, fmt.Sprintf("short_%s_%s.mp4", now.UTC().Format("20060102_150405"), id))

	art := Artifact{
		Path:            out,
		DurationSeconds: duration,
		Width:           r.cfg.Width,
		Height:          r.cfg.Height,
		CreatedAt:       now,
		SourceContentID: item.ID,
	}

	fullErr := r.renderFull(ctx, item, duration, out)
	if fullErr == nil {
		return art, nil
	}
	if ctx.Err() != nil {
		os.Remove(out)
		return Artifact{}, ctx.Err()
	}
	r.logger.Warn("full render failed, trying text-only", "content_id", item.ID, "error", fullErr)

	degradedErr := r.renderDegraded(ctx, item, duration, out)
	if degradedErr == nil {
		art.Degraded = true
		return art, nil
	}
	os.Remove(out)
	if ctx.Err() != nil {
		return Artifact{}, ctx.Err()
	}
	return Artifact{}, failure.New(failure.RenderFailed, "render", errors.Join(fullErr, degradedErr))
}

// Duration estimates how long a video for item should run, in seconds.
func Duration(item source.ContentItem) float64 {
	var d float64
	if item.TwoPart() {
		setup, punch := partDurations(item)
		d = setup + fadeSeconds + punch
	} else {
		d = wordSeconds(item.Text) + 1.5
	}
	return math.Min(math.Max(d, minDuration), maxDuration)
}

func wordSeconds(s string) float64 {
	return float64(len(strings.Fields(s))) / wordsPerSecond
}

func partDurations(item source.ContentItem) (setup, punch float64) {
	setup = math.Max(wordSeconds(item.Setup), 2.5)
	punch = math.Max(wordSeconds(item.Punchline), 2.5) + 1
	return setup, punch
}

type caption struct {
	text       string
	start, end float64
}

func (r *Renderer) renderFull(ctx context.Context, item source.ContentItem, duration float64, out string) error {
	var captions []caption
	if item.TwoPart() {
		setup, _ := partDurations(item)
		captions = []caption{
			{text: item.Setup, start: 0, end: setup},
			{text: item.Punchline, start: setup + fadeSeconds, end: duration},
		}
	} else {
		captions = []caption{{text: item.Text, start: 0, end: duration}}
	}

	var filters []string
	for i, c := range captions {
		path, err := r.writeCaption(out, i, c.text)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		filters = append(filters, r.drawtext(path)+fmt.Sprintf(":enable='between(t,%.2f,%.2f)'", c.start, c.end))
	}
	filters = append(filters,
		fmt.Sprintf("fade=t=in:st=0:d=%.1f", fadeSeconds),
		fmt.Sprintf("fade=t=out:st=%.2f:d=%.1f", duration-fadeSeconds, fadeSeconds),
	)

	bg := backgrounds[r.intn(len(backgrounds))]
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", r.colorSource(bg, duration),
		"-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo",
		"-vf", strings.Join(filters, ","),
		"-t", fmt.Sprintf("%.2f", duration),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-shortest",
		out,
	}
	return r.run(ctx, args, out)
}

func (r *Renderer) renderDegraded(ctx context.Context, item source.ContentItem, duration float64, out string) error {
	path, err := r.writeCaption(out, 0, item.Text)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", r.colorSource("black", duration),
		"-vf", r.drawtext(path),
		"-t", fmt.Sprintf("%.2f", duration),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		out,
	}
	return r.run(ctx, args, out)
}

func (r *Renderer) colorSource(color string, duration float64) string {
	return fmt.Sprintf("color=c=%s:s=%dx%d:r=%d:d=%.2f", color, r.cfg.Width, r.cfg.Height, r.cfg.FPS, duration)
}

func (r *Renderer) drawtext(textfile string) string {
	opts := []string{
		"textfile='" + escapeFilterValue(textfile) + "'",
		"fontcolor=white", "fontsize=80",
		"borderw=3", "bordercolor=black",
		"line_spacing=20",
		"x=(w-text_w)/2", "y=(h-text_h)/2",
	}
	if r.cfg.Font != "" {
		opts = append(opts, "font='"+escapeFilterValue(r.cfg.Font)+"'")
	}
	return "drawtext=" + strings.Join(opts, ":")
}

func (r *Renderer) writeCaption(out string, n int, text string) (string, error) {
	path := fmt.Sprintf("%s.caption%d.txt", strings.TrimSuffix(out, filepath.Ext(out)), n)
	if err := os.WriteFile(path, []byte(Wrap(text, captionWidth)), 0o644); err != nil {
		return "", fmt.Errorf("writing caption: %w", err)
	}
	return path, nil
}

func (r *Renderer) run(ctx context.Context, args []string, out string) error {
	output, err := r.runner.Run(ctx, r.cfg.FFmpeg, args...)
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("ffmpeg produced an empty file")
	}
	return nil
}

// Wrap breaks text into lines of at most width characters on word boundaries.
// Words longer than width are kept whole.
func Wrap(text string, width int) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func escapeFilterValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	return r.Replace(s)
}
