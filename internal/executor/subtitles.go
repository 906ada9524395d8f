package executor

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Segment is one caption line with timings in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// StylePreset is a named caption look translated into ASS overrides.
type StylePreset struct {
	ID           string
	Font         string
	FontSize     int
	PrimaryColor string
	OutlineColor string
	Shadow       int
	BgEnabled    bool
	BgColor      string
	BgOpacity    float64
}

var stylePresets = []StylePreset{
	{ID: "classic", Font: "Impact", FontSize: 32, PrimaryColor: "#FFFFFF", OutlineColor: "#000000", Shadow: 3},
	{ID: "neon", Font: "Impact", FontSize: 34, PrimaryColor: "#00FFFF", OutlineColor: "#001133", Shadow: 5},
	{ID: "box", Font: "Arial Black", FontSize: 30, PrimaryColor: "#FFFFFF", OutlineColor: "#000000", Shadow: 1, BgEnabled: true, BgColor: "#000000", BgOpacity: 0.6},
}

// PresetByID returns the named preset, falling back to classic.
func PresetByID(id string) StylePreset {
	for _, p := range stylePresets {
		if p.ID == id {
			return p
		}
	}
	return stylePresets[0]
}

// NormalizeSegments sorts segments by start time and repairs overlaps so
// each caption ends slightly (50 ms) before the next begins. Renderers
// display overlapping SRT cues stacked, which reads as a glitch.
func NormalizeSegments(segments []Segment) []Segment {
	out := make([]Segment, len(segments))
	copy(out, segments)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	for i := 0; i < len(out)-1; i++ {
		if out[i].End >= out[i+1].Start {
			out[i].End = math.Max(out[i].Start+0.1, out[i+1].Start-0.05)
		}
	}
	return out
}

// BuildSRT renders segments as an SRT document.
func BuildSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(seg.Start), srtTimestamp(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// srtTimestamp formats seconds as "00:00:00,000".
func srtTimestamp(seconds float64) string {
	h := int(seconds) / 3600
	m := int(seconds) % 3600 / 60
	s := int(seconds) % 60
	ms := int(math.Floor(math.Mod(seconds, 1) * 1000))
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// BuildForceStyle assembles the ASS force_style string for the subtitles
// filter. fontOverride/colorOverride take precedence over the preset.
func BuildForceStyle(preset StylePreset, fontOverride, colorOverride string) string {
	font := preset.Font
	if fontOverride != "" {
		font = fontOverride
	}
	color := preset.PrimaryColor
	if colorOverride != "" {
		color = colorOverride
	}

	style := fmt.Sprintf(
		"FontName=%s,FontSize=%d,PrimaryColour=%s,OutlineColour=%s,Outline=3,Shadow=%d,Bold=1,Italic=1,Alignment=2,MarginV=60",
		font, preset.FontSize, hexToASS(color, 1), hexToASS(preset.OutlineColor, 1), preset.Shadow,
	)

	if preset.BgEnabled && preset.BgOpacity > 0 {
		style += fmt.Sprintf(",BorderStyle=4,BackColour=%s", hexToASS(preset.BgColor, preset.BgOpacity))
	}
	return style
}

// hexToASS converts "#RRGGBB" to the ASS "&HAABBGGRR&" form. opacity is
// 1 for fully opaque (alpha byte omitted, matching common force_style
// usage); ASS alpha is inverted, 0x00 opaque through 0xFF transparent.
func hexToASS(hex string, opacity float64) string {
	clean := strings.TrimPrefix(hex, "#")
	if len(clean) != 6 {
		clean = "FFFFFF"
	}
	r, g, b := clean[0:2], clean[2:4], clean[4:6]

	if opacity >= 1 {
		return fmt.Sprintf("&H%s%s%s&", b, g, r)
	}
	alpha := int(math.Round((1 - opacity) * 255))
	return fmt.Sprintf("&H%02X%s%s%s&", alpha, b, g, r)
}
