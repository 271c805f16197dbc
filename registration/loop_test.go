package registration

import (
	"errors"
	"testing"
)

func TestNewLoop(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		wantErr    bool
	}{
		{name: "unit span", start: 0, end: 1},
		{name: "wide span", start: 10, end: 250},
		{name: "zero span", start: 5, end: 5, wantErr: true},
		{name: "negative span", start: 8, end: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, err := NewLoop(tt.start, tt.end)
			if tt.wantErr {
				if !errors.Is(err, ErrZeroSpanLoop) {
					t.Fatalf("NewLoop(%d, %d) error = %v, want ErrZeroSpanLoop", tt.start, tt.end, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLoop(%d, %d) error = %v", tt.start, tt.end, err)
			}
			if loop.Start != tt.start || loop.End != tt.end {
				t.Errorf("NewLoop(%d, %d) = [%d, %d]", tt.start, tt.end, loop.Start, loop.End)
			}
			if got := loop.Span(); got != tt.end-tt.start {
				t.Errorf("Span() = %d, want %d", got, tt.end-tt.start)
			}
			if loop.Processed() {
				t.Error("fresh loop reports itself processed")
			}
		})
	}
}

func TestBuildLoops(t *testing.T) {
	t.Run("consecutive edge pairs", func(t *testing.T) {
		loops, err := BuildLoops([]int{0, 2, 4, 7})
		if err != nil {
			t.Fatalf("BuildLoops() error = %v", err)
		}
		want := [][2]int{{0, 2}, {2, 4}, {4, 7}}
		if len(loops) != len(want) {
			t.Fatalf("BuildLoops() returned %d loops, want %d", len(loops), len(want))
		}
		for i, w := range want {
			if loops[i].Start != w[0] || loops[i].End != w[1] {
				t.Errorf("loops[%d] = [%d, %d], want %v", i, loops[i].Start, loops[i].End, w)
			}
		}
	})

	t.Run("shared edges chain up", func(t *testing.T) {
		loops, err := BuildLoops([]int{3, 9, 15})
		if err != nil {
			t.Fatalf("BuildLoops() error = %v", err)
		}
		for i := 1; i < len(loops); i++ {
			if loops[i].Start != loops[i-1].End {
				t.Errorf("loops[%d].Start = %d, want %d", i, loops[i].Start, loops[i-1].End)
			}
		}
	})

	t.Run("too few edges", func(t *testing.T) {
		if _, err := BuildLoops([]int{4}); !errors.Is(err, ErrNoLoops) {
			t.Fatalf("BuildLoops() error = %v, want ErrNoLoops", err)
		}
	})

	t.Run("duplicate edge", func(t *testing.T) {
		if _, err := BuildLoops([]int{0, 4, 4, 8}); !errors.Is(err, ErrZeroSpanLoop) {
			t.Fatalf("BuildLoops() error = %v, want ErrZeroSpanLoop", err)
		}
	})
}
