package engine

import (
	"testing"
	"time"
)

func TestSeenCache(t *testing.T) {
	c := newSeenCache(50 * time.Millisecond)
	if c.Seen("a") {
		t.Fatal("First sighting must report false")
	}
	if !c.Seen("a") {
		t.Fatal("Second sighting must report true")
	}
	if !c.Seen("") {
		t.Error("Empty ids are always treated as seen")
	}
	time.Sleep(80 * time.Millisecond)
	if c.Seen("a") {
		t.Error("Expired ids must be forgotten")
	}
}
