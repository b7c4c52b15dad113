package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/gowebpki/jcs"
)

// SessionFacts is the immutable input an artifact is derived from. Identical
// facts must produce byte-identical output.
type SessionFacts struct {
	SessionID       string
	Summary         string
	DurationMinutes int
	MoodScore       int
	Achievements    []string
}

type Image struct {
	PNG   []byte
	Motif string
}

const (
	MotifQuickCheckIn    = "Quick Check-in"
	MotifGrowthSession   = "Growth Session"
	MotifDeepReflection  = "Deep Reflection"
	MotifTransformative  = "Transformative Journey"
	maxDescriptionLength = 280
)

// MotifFor maps a session duration onto one of the four visual motifs.
func MotifFor(durationMinutes int) string {
	switch {
	case durationMinutes <= 5:
		return MotifQuickCheckIn
	case durationMinutes <= 15:
		return MotifGrowthSession
	case durationMinutes <= 30:
		return MotifDeepReflection
	default:
		return MotifTransformative
	}
}

func motifIndex(durationMinutes int) int {
	switch {
	case durationMinutes <= 5:
		return 0
	case durationMinutes <= 15:
		return 1
	case durationMinutes <= 30:
		return 2
	default:
		return 3
	}
}

const canvasSize = 800

// GenerateImage renders the achievement visual: gradient background, two
// decorative circles, and a centered motif of concentric rings whose count
// follows the duration bucket and whose palette follows the mood score.
// Pure integer pixel math, so output bytes are stable across runs.
func GenerateImage(facts SessionFacts) (Image, error) {
	img := image.NewNRGBA(image.Rect(0, 0, canvasSize, canvasSize))

	// background gradient #f8f9fa -> #e9ecef, top-left to bottom-right
	for y := 0; y < canvasSize; y++ {
		for x := 0; x < canvasSize; x++ {
			t := x + y // 0 .. 2*(canvasSize-1)
			img.SetNRGBA(x, y, color.NRGBA{
				R: lerp8(0xf8, 0xe9, t, 2*(canvasSize-1)),
				G: lerp8(0xf9, 0xec, t, 2*(canvasSize-1)),
				B: lerp8(0xfa, 0xef, t, 2*(canvasSize-1)),
				A: 0xff,
			})
		}
	}

	// decorative translucent circles, same layout as the product's cards
	fillCircle(img, 100, 100, 150, color.NRGBA{R: 147, G: 51, B: 234, A: 255}, 26)
	fillCircle(img, canvasSize-100, canvasSize-100, 120, color.NRGBA{R: 249, G: 168, B: 212, A: 255}, 26)

	// centered motif: ring count = duration bucket + 1, palette shifts with mood
	rings := motifIndex(facts.DurationMinutes) + 1
	mood := clampMood(facts.MoodScore)
	ringColor := moodColor(mood)
	for i := 0; i < rings; i++ {
		outer := 220 - i*52
		inner := outer - 26
		fillRing(img, canvasSize/2, canvasSize/2, inner, outer, ringColor, 255)
	}

	// one small marker dot per achievement along the bottom band
	for i := range facts.Achievements {
		cx := canvasSize/2 + (i-len(facts.Achievements)/2)*48
		fillCircle(img, cx, canvasSize-120, 14, ringColor, 255)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("encode image: %w", err)
	}
	return Image{PNG: buf.Bytes(), Motif: MotifFor(facts.DurationMinutes)}, nil
}

// Metadata is the structured document an achievement token references.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     int    `json:"value"`
}

// BuildMetadata produces the canonical (RFC 8785) metadata document. The image
// address must already be known, so metadata is always built after the image
// upload. Exactly three attributes: duration, mood score, achievement count.
func BuildMetadata(facts SessionFacts, externalID uint64, imageAddress string) ([]byte, error) {
	doc := Metadata{
		Name:        fmt.Sprintf("Therapy Session #%d", externalID),
		Description: truncate(facts.Summary, maxDescriptionLength),
		Image:       imageAddress,
		Attributes: []Attribute{
			{TraitType: "Duration", Value: facts.DurationMinutes},
			{TraitType: "Mood Score", Value: clampMood(facts.MoodScore)},
			{TraitType: "Achievements", Value: len(facts.Achievements)},
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func clampMood(score int) int {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// moodColor interpolates from a muted slate blue (low mood) to a warm gold
// (high mood) in eleven fixed steps.
func moodColor(mood int) color.NRGBA {
	return color.NRGBA{
		R: lerp8(100, 234, mood, 10),
		G: lerp8(116, 179, mood, 10),
		B: lerp8(139, 8, mood, 10),
		A: 0xff,
	}
}

// lerp8 interpolates a..b at position t of span, in integer math.
func lerp8(a, b uint8, t, span int) uint8 {
	if span <= 0 {
		return a
	}
	if t < 0 {
		t = 0
	}
	if t > span {
		t = span
	}
	return uint8((int(a)*(span-t) + int(b)*t) / span)
}

// fillCircle alpha-blends a disc onto the image. alpha is 0..255.
func fillCircle(img *image.NRGBA, cx, cy, r int, col color.NRGBA, alpha int) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || y < 0 || x >= canvasSize || y >= canvasSize {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				blend(img, x, y, col, alpha)
			}
		}
	}
}

func fillRing(img *image.NRGBA, cx, cy, inner, outer int, col color.NRGBA, alpha int) {
	if inner < 0 {
		inner = 0
	}
	for y := cy - outer; y <= cy+outer; y++ {
		for x := cx - outer; x <= cx+outer; x++ {
			if x < 0 || y < 0 || x >= canvasSize || y >= canvasSize {
				continue
			}
			dx, dy := x-cx, y-cy
			d2 := dx*dx + dy*dy
			if d2 <= outer*outer && d2 >= inner*inner {
				blend(img, x, y, col, alpha)
			}
		}
	}
}

func blend(img *image.NRGBA, x, y int, col color.NRGBA, alpha int) {
	dst := img.NRGBAAt(x, y)
	img.SetNRGBA(x, y, color.NRGBA{
		R: uint8((int(col.R)*alpha + int(dst.R)*(255-alpha)) / 255),
		G: uint8((int(col.G)*alpha + int(dst.G)*(255-alpha)) / 255),
		B: uint8((int(col.B)*alpha + int(dst.B)*(255-alpha)) / 255),
		A: 0xff,
	})
}
