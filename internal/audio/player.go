package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var commandContext = exec.CommandContext

// Player plays WAV files through an ALSA device with aplay.
type Player struct {
	binary string
	device string
}

// NewPlayer constructs a player. An empty device uses the ALSA default.
func NewPlayer(binary, device string) *Player {
	if binary == "" {
		binary = "aplay"
	}
	return &Player{binary: binary, device: device}
}

// Play blocks until playback has finished or failed.
func (p *Player) Play(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio play: %w", err)
	}

	args := make([]string, 0, 3)
	if p.device != "" {
		args = append(args, "-D", p.device)
	}
	args = append(args, path)

	var stderr bytes.Buffer
	cmd := commandContext(ctx, p.binary, args...) //nolint:gosec
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("audio play: %s: %w: %s", p.binary, err, msg)
		}
		return fmt.Errorf("audio play: %s: %w", p.binary, err)
	}
	return nil
}
