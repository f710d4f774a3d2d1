package tmux

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeDriver is an in-memory Driver for tests and the mock agent. Pane
// content is scripted: OnCommand runs after every SendCommand and may append
// agent output to the pane.
type FakeDriver struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession

	// OnCommand, when set, is invoked with (session, text) after each
	// SendCommand. Returned lines are appended to the pane as agent output.
	OnCommand func(session, text string) []string
}

type fakeSession struct {
	lines []string
}

// NewFakeDriver creates an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{sessions: make(map[string]*fakeSession)}
}

// SessionExists reports whether the named session was created.
func (d *FakeDriver) SessionExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[name]
	return ok, nil
}

// CreateSession registers a session.
func (d *FakeDriver) CreateSession(ctx context.Context, name, initialCommand string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[name]; ok {
		return fmt.Errorf("duplicate session %s", name)
	}
	d.sessions[name] = &fakeSession{}
	return nil
}

// KillSession removes a session.
func (d *FakeDriver) KillSession(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[name]; !ok {
		return fmt.Errorf("no session %s", name)
	}
	delete(d.sessions, name)
	return nil
}

// SendCommand echoes the text into the pane, then runs the script hook.
func (d *FakeDriver) SendCommand(ctx context.Context, name, text string) error {
	d.mu.Lock()
	session, ok := d.sessions[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no session %s", name)
	}
	session.lines = append(session.lines, text)
	hook := d.OnCommand
	d.mu.Unlock()

	if hook != nil {
		out := hook(name, text)
		d.mu.Lock()
		session.lines = append(session.lines, out...)
		d.mu.Unlock()
	}
	return nil
}

// SendKeys records a raw keystroke without echo.
func (d *FakeDriver) SendKeys(ctx context.Context, name, rawKeys string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[name]; !ok {
		return fmt.Errorf("no session %s", name)
	}
	return nil
}

// CapturePane returns the scripted pane content.
func (d *FakeDriver) CapturePane(ctx context.Context, name string, lastN int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[name]
	if !ok {
		return "", fmt.Errorf("no session %s", name)
	}
	lines := session.lines
	if lastN > 0 && len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	return strings.Join(lines, "\n"), nil
}

// AppendOutput injects agent output into the pane, as a live agent would.
func (d *FakeDriver) AppendOutput(name string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if session, ok := d.sessions[name]; ok {
		session.lines = append(session.lines, lines...)
	}
}
