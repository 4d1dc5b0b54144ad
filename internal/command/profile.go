package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultProfileName supplies every key a job leaves unset when it names no
// profile.
const DefaultProfileName = "medium"

// ErrUnknownProfile is returned by Resolve for profile names with no definition.
var ErrUnknownProfile = errors.New("unknown encode profile")

// Profile holds the recognised encode keys. Empty fields emit no flags.
type Profile struct {
	VideoCodec   string `json:"video_codec,omitempty" koanf:"video_codec"`
	AudioCodec   string `json:"audio_codec,omitempty" koanf:"audio_codec"`
	VideoBitrate string `json:"video_bitrate,omitempty" koanf:"video_bitrate"`
	AudioBitrate string `json:"audio_bitrate,omitempty" koanf:"audio_bitrate"`
	Resolution   string `json:"resolution,omitempty" koanf:"resolution"`
}

// UnmarshalJSON skips keys it does not recognise even when the surrounding
// decoder rejects unknown fields, so newer clients can send options this
// build does not know yet.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Profile(v)
	return nil
}

var profiles = map[string]Profile{
	"high": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: "4000k",
		AudioBitrate: "192k",
		Resolution:   "1920x1080",
	},
	"medium": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: "2000k",
		AudioBitrate: "128k",
		Resolution:   "1280x720",
	},
	"low": {
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoBitrate: "1000k",
		AudioBitrate: "96k",
		Resolution:   "854x480",
	},
}

var resolutions = map[string]string{
	"240p":  "426x240",
	"360p":  "640x360",
	"480p":  "854x480",
	"720p":  "1280x720",
	"1080p": "1920x1080",
}

// Merge returns p with every non-empty key of override applied on top.
func (p Profile) Merge(override Profile) Profile {
	if v := strings.TrimSpace(override.VideoCodec); v != "" {
		p.VideoCodec = v
	}
	if v := strings.TrimSpace(override.AudioCodec); v != "" {
		p.AudioCodec = v
	}
	if v := strings.TrimSpace(override.VideoBitrate); v != "" {
		p.VideoBitrate = v
	}
	if v := strings.TrimSpace(override.AudioBitrate); v != "" {
		p.AudioBitrate = v
	}
	if v := strings.TrimSpace(override.Resolution); v != "" {
		p.Resolution = v
	}
	return p
}

// Named returns the built-in profile registered under name.
func Named(name string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists the built-in profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the effective profile for a job: the named profile, or the
// default one when no name is given, with the set override keys on top.
func Resolve(name string, overrides Profile) (Profile, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		base, ok := Named(name)
		if !ok {
			return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
		return base.Merge(overrides), nil
	}
	base, _ := Named(DefaultProfileName)
	return base.Merge(overrides), nil
}

// ResolveResolution maps a named alias such as "720p" to WIDTHxHEIGHT.
// Anything else is passed through unchanged.
func ResolveResolution(value string) string {
	value = strings.TrimSpace(value)
	if size, ok := resolutions[strings.ToLower(value)]; ok {
		return size
	}
	return value
}
