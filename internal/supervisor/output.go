package supervisor

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"streamvisor/internal/command"
)

type plan struct {
	args     []string
	location string
}

// buildPlan resolves the profile and output for spec and returns the worker
// arguments plus the location reported to the caller.
func (m *Manager) buildPlan(id string, spec JobSpec) (plan, error) {
	profile, err := command.Resolve(spec.ProfileName, spec.Profile)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	opts := command.Options{PreInput: spec.PreInput, PostOutput: spec.PostOutput}
	output := strings.TrimSpace(spec.OutputTarget)
	location := output
	if output == "" {
		if m.cfg.OutputRoot == "" {
			return plan{}, fmt.Errorf("%w: output_target is required when no output root is configured", ErrInvalidSpec)
		}
		hls := command.HLS(m.cfg.OutputRoot, id)
		if err := os.MkdirAll(hls.Dir, 0o755); err != nil {
			return plan{}, fmt.Errorf("%w: create output directory: %v", ErrSpawnFailed, err)
		}
		output = hls.Playlist
		location = hls.Playlist
		if m.cfg.PublicBaseURL != "" {
			location = joinURL(m.cfg.PublicBaseURL, id, "playlist.m3u8")
		}
		opts.PostOutput = append(append([]string{}, hls.Options...), spec.PostOutput...)
	}
	return plan{
		args:     m.build(spec.InputSource, output, profile, opts),
		location: location,
	}, nil
}

// generateID follows the stream_<channel>_<unix seconds> convention.
func generateID(channelID string, now time.Time) string {
	return fmt.Sprintf("stream_%s_%d", channelID, now.Unix())
}

func joinURL(base string, parts ...string) string {
	trimmed := strings.TrimRight(base, "/")
	addition := path.Join(parts...)
	if addition == "." {
		addition = ""
	}
	if addition == "" {
		return trimmed
	}
	if trimmed == "" {
		return "/" + strings.TrimLeft(addition, "/")
	}
	return trimmed + "/" + strings.TrimLeft(addition, "/")
}
