package command

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestBuildOrdersArguments(t *testing.T) {
	profile := Profile{VideoCodec: "x", AudioCodec: "y", VideoBitrate: "2000k", Resolution: "720p"}
	got := Build("in.src", "out.dst", profile, Options{})
	want := []string{
		"-y",
		"-i", "in.src",
		"-c:v", "x",
		"-c:a", "y",
		"-b:v", "2000k",
		"-s", "1280x720",
		"out.dst",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args\n got: %q\nwant: %q", got, want)
	}
}

func TestBuildPlacesExtraOptions(t *testing.T) {
	got := Build("rtmp://origin/live", "/tmp/out.m3u8", Profile{AudioBitrate: "96k"}, Options{
		PreInput:   []string{"-re", "-fflags", "+genpts"},
		PostOutput: []string{"-f", "hls"},
	})
	want := []string{
		"-y",
		"-re", "-fflags", "+genpts",
		"-i", "rtmp://origin/live",
		"-b:a", "96k",
		"-f", "hls",
		"/tmp/out.m3u8",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args\n got: %q\nwant: %q", got, want)
	}
}

func TestBuildEmptyProfileEmitsNoFlags(t *testing.T) {
	got := Build("a", "b", Profile{}, Options{})
	want := []string{"-y", "-i", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	p, err := Resolve("high", Profile{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first := Build("in", "out", p, Options{PreInput: []string{"-re"}})
	for i := 0; i < 10; i++ {
		if next := Build("in", "out", p, Options{PreInput: []string{"-re"}}); !reflect.DeepEqual(first, next) {
			t.Fatalf("run %d differs: %q vs %q", i, next, first)
		}
	}
}

func TestResolveResolution(t *testing.T) {
	cases := map[string]string{
		"240p":    "426x240",
		"360p":    "640x360",
		"480p":    "854x480",
		"720P":    "1280x720",
		"1080p":   "1920x1080",
		"640x480": "640x480",
		"4k":      "4k",
		"":        "",
	}
	for in, want := range cases {
		if got := ResolveResolution(in); got != want {
			t.Errorf("ResolveResolution(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveProfiles(t *testing.T) {
	medium, _ := Named("medium")

	tests := []struct {
		name      string
		profile   string
		overrides Profile
		want      Profile
		wantErr   error
	}{
		{name: "default when empty", want: medium},
		{
			name:      "partial keys fill from default",
			overrides: Profile{VideoBitrate: "3000k"},
			want:      Profile{VideoCodec: "libx264", AudioCodec: "aac", VideoBitrate: "3000k", AudioBitrate: "128k", Resolution: "1280x720"},
		},
		{
			name:      "codec override keeps default size",
			overrides: Profile{VideoCodec: "libx265", Resolution: "480p"},
			want:      Profile{VideoCodec: "libx265", AudioCodec: "aac", VideoBitrate: "2000k", AudioBitrate: "128k", Resolution: "480p"},
		},
		{
			name:      "named with override",
			profile:   "LOW",
			overrides: Profile{Resolution: "360p"},
			want:      Profile{VideoCodec: "libx264", AudioCodec: "aac", VideoBitrate: "1000k", AudioBitrate: "96k", Resolution: "360p"},
		},
		{name: "unknown name", profile: "ultra", wantErr: ErrUnknownProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.profile, tt.overrides)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestNames(t *testing.T) {
	if got := Names(); !reflect.DeepEqual(got, []string{"high", "low", "medium"}) {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestHLSOutput(t *testing.T) {
	out := HLS("/srv/hls", "stream_7_1700000000")
	dir := filepath.Join("/srv/hls", "stream_7_1700000000")
	if out.Dir != dir {
		t.Fatalf("dir = %q", out.Dir)
	}
	if out.Playlist != filepath.Join(dir, "playlist.m3u8") {
		t.Fatalf("playlist = %q", out.Playlist)
	}
	want := []string{
		"-f", "hls",
		"-hls_time", "10",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
	}
	if !reflect.DeepEqual(out.Options, want) {
		t.Fatalf("options = %q", out.Options)
	}
}

func TestProfileIgnoresUnknownKeys(t *testing.T) {
	var job struct {
		Profile Profile `json:"profile"`
	}
	dec := json.NewDecoder(strings.NewReader(`{"profile":{"video_codec":"x","preset":"fast","tune":{"zerolatency":true}}}`))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Profile != (Profile{VideoCodec: "x"}) {
		t.Fatalf("unexpected profile %+v", job.Profile)
	}

	var p Profile
	if err := json.Unmarshal([]byte(`{"video_codec":1}`), &p); err == nil {
		t.Fatal("expected type error for a recognised key")
	}
}
