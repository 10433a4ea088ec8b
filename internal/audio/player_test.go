package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if os.Getenv("HELPER_FAIL") == "1" {
		fmt.Fprint(os.Stderr, "aplay: main:831: audio open error: No such device")
		os.Exit(1)
	}
	fmt.Fprint(os.Stdout, strings.Join(args, " "))
	os.Exit(0)
}

func fakeCommand(t *testing.T, fail bool, seen *[]string) {
	t.Helper()
	orig := commandContext
	t.Cleanup(func() { commandContext = orig })
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*seen = append([]string{name}, args...)
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		if fail {
			cmd.Env = append(cmd.Env, "HELPER_FAIL=1")
		}
		return cmd
	}
}

func tempClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

func TestPlayRoutesToDevice(t *testing.T) {
	var seen []string
	fakeCommand(t, false, &seen)
	clip := tempClip(t)

	if err := NewPlayer("aplay", "plughw:1,0").Play(context.Background(), clip); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"aplay", "-D", "plughw:1,0", clip}
	if strings.Join(seen, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestPlayReportsPlayerFailure(t *testing.T) {
	var seen []string
	fakeCommand(t, true, &seen)

	err := NewPlayer("aplay", "").Play(context.Background(), tempClip(t))
	if err == nil || !strings.Contains(err.Error(), "audio open error") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected no -D flag without a device, got %v", seen)
	}
}

func TestPlayMissingFile(t *testing.T) {
	if err := NewPlayer("aplay", "").Play(context.Background(), filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
