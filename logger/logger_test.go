package logger

import "testing"

func TestVerboseToggle(t *testing.T) {
	var lines []string
	l := New(func(s string) { lines = append(lines, s) }, true)
	l.Println("one")
	l.Printf("two %d", 2)
	if len(lines) != 2 || lines[1] != "two 2" {
		t.Fatalf("lines = %v", lines)
	}

	quiet := New(func(s string) { lines = append(lines, s) }, false)
	quiet.Println("dropped")
	if len(lines) != 2 {
		t.Fatal("non-verbose log leaked output")
	}
}

func TestNilLog(t *testing.T) {
	var l *Log
	l.Println("must not panic")
	l.Printf("must not panic %d", 1)
	if l.Verbose() {
		t.Fatal("nil log claims verbose")
	}
}

func TestDiscard(t *testing.T) {
	d := Discard()
	d.Println("nothing")
	if d.Verbose() {
		t.Fatal("discard log claims verbose")
	}
}
