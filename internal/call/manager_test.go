package call

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestManagerOwnsOneSession(t *testing.T) {
	m := NewManager(newBus().factory())

	s1 := m.Acquire("dev-a", testConfig())
	if s2 := m.Acquire("dev-a", testConfig()); s2 != s1 {
		t.Fatal("Acquire should return the active session")
	}

	// another id still gets the live session, not a second one
	if s := m.Acquire("dev-b", testConfig()); s != s1 || s.DeviceID() != "dev-a" {
		t.Fatalf("Acquire(dev-b) = %p (%s), want existing %p", s, s.DeviceID(), s1)
	}

	s3 := m.Replace("dev-b", testConfig())
	if s3 == s1 || s3.DeviceID() != "dev-b" {
		t.Fatal("Replace should create a new session")
	}
	if s1.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Error("replaced session should be closed")
	}
	if m.Current() != s3 {
		t.Error("Current should return the replacement")
	}

	m.Destroy()
	if m.Current() != nil {
		t.Error("Current should be nil after Destroy")
	}
	if s3.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Error("destroyed session should be closed")
	}
}

func TestManagerRecreatesAfterClose(t *testing.T) {
	m := NewManager(newBus().factory())
	s1 := m.Acquire("dev-a", testConfig())
	s1.Close()

	s2 := m.Acquire("dev-b", testConfig())
	if s2 == s1 || s2.DeviceID() != "dev-b" {
		t.Fatal("closed session must not be reused")
	}
}
