// Package command turns a stream's encode profile into worker arguments.
package command

import (
	"path/filepath"
)

// Options carries extra arguments placed around the input and output.
type Options struct {
	PreInput   []string
	PostOutput []string
}

// Build returns the worker argument list (without the binary itself):
// overwrite flag, pre-input options, input, profile flags, post-output
// options and finally the output target.
func Build(input, output string, p Profile, opts Options) []string {
	args := make([]string, 0, 16+len(opts.PreInput)+len(opts.PostOutput))
	args = append(args, "-y")
	args = append(args, opts.PreInput...)
	args = append(args, "-i", input)
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	if p.Resolution != "" {
		args = append(args, "-s", ResolveResolution(p.Resolution))
	}
	args = append(args, opts.PostOutput...)
	return append(args, output)
}

// HLSOutput describes a derived HLS target for a stream.
type HLSOutput struct {
	Dir      string
	Playlist string
	Options  []string
}

// HLS derives <root>/<id>/playlist.m3u8 and the segmenter options for it.
func HLS(root, id string) HLSOutput {
	dir := filepath.Join(root, id)
	return HLSOutput{
		Dir:      dir,
		Playlist: filepath.Join(dir, "playlist.m3u8"),
		Options: []string{
			"-f", "hls",
			"-hls_time", "10",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments",
			"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		},
	}
}
