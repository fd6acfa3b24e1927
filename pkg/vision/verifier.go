package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
)

const systemPrompt = `You inspect cropped frames from construction site cameras for personal protective equipment.
Answer with a single JSON object and nothing else: {"found": true|false, "confidence": 0.0-1.0}.`

// Verifier asks a vision model whether a crop shows the region's PPE item.
// It implements verify.RegionVerifier.
type Verifier struct {
	client    Client
	model     string
	maxTokens int64
}

var _ verify.RegionVerifier = (*Verifier)(nil)

// NewVerifier creates a Verifier. maxTokens defaults to 256.
func NewVerifier(c Client, model string, maxTokens int64) *Verifier {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Verifier{client: c, model: model, maxTokens: maxTokens}
}

// VerifyRegion sends crop as a PNG image block and parses the JSON reply.
func (v *Verifier) VerifyRegion(ctx context.Context, crop image.Image, region model.Region) (verify.Finding, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return verify.Finding{}, eris.Wrap(err, "vision: encode crop")
	}

	zero := 0.0
	resp, err := v.client.CreateMessage(ctx, MessageRequest{
		Model:       v.model,
		MaxTokens:   v.maxTokens,
		System:      systemPrompt,
		Prompt:      Prompt(region),
		Image:       buf.Bytes(),
		MediaType:   "image/png",
		Temperature: &zero,
	})
	if err != nil {
		return verify.Finding{}, err
	}
	resp.Usage.LogCost(v.model, string(region))

	f, err := ParseReply(resp.Text)
	if err != nil {
		return verify.Finding{}, eris.Wrapf(err, "vision: %s region", region)
	}
	return f, nil
}

// Prompt is the user prompt for a region.
func Prompt(region model.Region) string {
	where := "on the person's head"
	if region == model.RegionTorso {
		where = "on the person's torso"
	}
	return fmt.Sprintf("Is any of these worn %s: %s?", where, strings.Join(verify.Prompts(region), ", "))
}

type reply struct {
	Found      *bool   `json:"found"`
	Confidence float64 `json:"confidence"`
}

// ParseReply extracts the JSON object from a model reply. Text around the
// object is ignored; confidence is clamped to [0, 1].
func ParseReply(text string) (verify.Finding, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return verify.Finding{}, eris.Errorf("no JSON object in reply %q", text)
	}

	var r reply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return verify.Finding{}, eris.Wrap(err, "decode reply")
	}
	if r.Found == nil {
		return verify.Finding{}, eris.New("reply has no found field")
	}
	return verify.Finding{Found: *r.Found, Confidence: min(max(r.Confidence, 0), 1)}, nil
}
