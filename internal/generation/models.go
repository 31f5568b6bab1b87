package generation

import (
	"fmt"

	"github.com/sora2api/sora-proxy/internal/sora"
)

// Model kinds.
const (
	KindImage = "image"
	KindVideo = "video"
)

// Orientations accepted by the video creation endpoints.
const (
	OrientationLandscape = "landscape"
	OrientationPortrait  = "portrait"
)

// Model is one entry of the exposed catalog. Image models carry pixel
// dimensions; video models carry an orientation and a frame count, plus an
// optional upstream model and render size for the pro tiers.
type Model struct {
	Name        string
	Kind        string
	Width       int
	Height      int
	Orientation string
	NFrames     int
	Upstream    string
	Size        string
	RequirePro  bool
}

func (m Model) IsImage() bool { return m.Kind == KindImage }
func (m Model) IsVideo() bool { return m.Kind == KindVideo }

// UpstreamModel returns the upstream model identifier, defaulting to the
// standard engine when the entry does not pin one.
func (m Model) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return sora.DefaultVideoModel
}

// VideoSize returns the render size, defaulting to small.
func (m Model) VideoSize() string {
	if m.Size != "" {
		return m.Size
	}
	return sora.DefaultVideoSize
}

// Frames returns the frame count, defaulting to 300 (a 10 second clip).
func (m Model) Frames() int {
	if m.NFrames > 0 {
		return m.NFrames
	}
	return 300
}

// Description renders the catalog line shown by the models listing.
func (m Model) Description() string {
	if m.IsImage() {
		return fmt.Sprintf("Image generation - %dx%d", m.Width, m.Height)
	}
	return fmt.Sprintf("Video generation - %s", m.Orientation)
}

// catalog lists every exposed model. Order matters: the models listing
// presents them exactly as declared here.
var catalog = []Model{
	{Name: "gpt-image", Kind: KindImage, Width: 360, Height: 360},
	{Name: "gpt-image-landscape", Kind: KindImage, Width: 540, Height: 360},
	{Name: "gpt-image-portrait", Kind: KindImage, Width: 360, Height: 540},

	// 10 second clips (300 frames).
	{Name: "sora2-landscape-10s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 300},
	{Name: "sora2-portrait-10s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 300},

	// 15 second clips (450 frames).
	{Name: "sora2-landscape-15s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 450},
	{Name: "sora2-portrait-15s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 450},

	// 25 second clips (750 frames) need a Pro subscription.
	{Name: "sora2-landscape-25s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 750,
		Upstream: sora.DefaultVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2-portrait-25s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 750,
		Upstream: sora.DefaultVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},

	// Pro tier on the pro engine.
	{Name: "sora2pro-landscape-10s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 300,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2pro-portrait-10s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 300,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2pro-landscape-15s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 450,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2pro-portrait-15s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 450,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2pro-landscape-25s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 750,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},
	{Name: "sora2pro-portrait-25s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 750,
		Upstream: sora.ProVideoModel, Size: sora.DefaultVideoSize, RequirePro: true},

	// HD renders. No 25 second HD variant upstream.
	{Name: "sora2pro-hd-landscape-10s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 300,
		Upstream: sora.ProVideoModel, Size: sora.HDVideoSize, RequirePro: true},
	{Name: "sora2pro-hd-portrait-10s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 300,
		Upstream: sora.ProVideoModel, Size: sora.HDVideoSize, RequirePro: true},
	{Name: "sora2pro-hd-landscape-15s", Kind: KindVideo, Orientation: OrientationLandscape, NFrames: 450,
		Upstream: sora.ProVideoModel, Size: sora.HDVideoSize, RequirePro: true},
	{Name: "sora2pro-hd-portrait-15s", Kind: KindVideo, Orientation: OrientationPortrait, NFrames: 450,
		Upstream: sora.ProVideoModel, Size: sora.HDVideoSize, RequirePro: true},
}

var catalogIndex = func() map[string]int {
	idx := make(map[string]int, len(catalog))
	for i, m := range catalog {
		idx[m.Name] = i
	}
	return idx
}()

// Lookup resolves a model name against the catalog.
func Lookup(name string) (Model, bool) {
	i, ok := catalogIndex[name]
	if !ok {
		return Model{}, false
	}
	return catalog[i], true
}

// Models returns the catalog in declaration order.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}
