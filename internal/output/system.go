package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"
	"github.com/micmonay/keybd_event"
)

// SystemClipboard writes to the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard unsupported on this system")
	}
	return clipboard.WriteAll(text)
}

// CommandTyper runs an external typing tool with the text as its final argument.
type CommandTyper struct {
	cmd []string
}

func NewCommandTyper(command string) (*CommandTyper, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse type command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("type command is empty")
	}
	return &CommandTyper{cmd: args}, nil
}

func (t *CommandTyper) Type(ctx context.Context, text string) error {
	args := append(append([]string{}, t.cmd[1:]...), text)
	cmd := exec.CommandContext(ctx, t.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", t.cmd[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DefaultPasteShortcut is ctrl+shift+v on Linux so terminals paste too, cmd+v on macOS.
func DefaultPasteShortcut() string {
	switch runtime.GOOS {
	case "darwin":
		return "cmd+v"
	case "windows":
		return "ctrl+v"
	default:
		return "ctrl+shift+v"
	}
}

type shortcut struct {
	ctrl, shift, alt, super bool
	key                     int
}

func parseShortcut(spec string) (shortcut, error) {
	var sc shortcut
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(spec)), "+") {
		switch strings.TrimSpace(part) {
		case "ctrl", "control":
			sc.ctrl = true
		case "shift":
			sc.shift = true
		case "alt":
			sc.alt = true
		case "cmd", "super", "meta":
			sc.super = true
		case "v":
			sc.key = keybd_event.VK_V
		default:
			return shortcut{}, fmt.Errorf("unsupported shortcut component %q", part)
		}
	}
	if sc.key == 0 {
		return shortcut{}, fmt.Errorf("shortcut %q has no key", spec)
	}
	return sc, nil
}

// KeyboardPaster presses the paste shortcut through a virtual keyboard.
type KeyboardPaster struct {
	shortcut shortcut

	once    sync.Once
	kb      keybd_event.KeyBonding
	initErr error
	mu      sync.Mutex
}

func NewKeyboardPaster(spec string) (*KeyboardPaster, error) {
	if spec == "" {
		spec = DefaultPasteShortcut()
	}
	sc, err := parseShortcut(spec)
	if err != nil {
		return nil, err
	}
	return &KeyboardPaster{shortcut: sc}, nil
}

func (p *KeyboardPaster) init() {
	p.kb, p.initErr = keybd_event.NewKeyBonding()
	if p.initErr == nil && runtime.GOOS == "linux" {
		// uinput devices need a moment before the first event is delivered.
		time.Sleep(2 * time.Second)
	}
}

func (p *KeyboardPaster) Paste(ctx context.Context) error {
	p.once.Do(p.init)
	if p.initErr != nil {
		return fmt.Errorf("virtual keyboard: %w", p.initErr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kb.Clear()
	p.kb.HasCTRL(p.shortcut.ctrl)
	p.kb.HasSHIFT(p.shortcut.shift)
	p.kb.HasALT(p.shortcut.alt)
	p.kb.HasSuper(p.shortcut.super)
	p.kb.SetKeys(p.shortcut.key)
	return p.kb.Launching()
}
