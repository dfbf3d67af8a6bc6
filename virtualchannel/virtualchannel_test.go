package virtualchannel

import "testing"

func TestOpenServerUnsupported(t *testing.T) {
	if _, err := OpenServer("rdp2tcp"); err != ErrUnsupportedPlatform {
		t.Fatalf("got %v, want ErrUnsupportedPlatform", err)
	}
}

func TestStdioReturnsNonNil(t *testing.T) {
	if Stdio() == nil {
		t.Fatal("Stdio() returned nil")
	}
}
