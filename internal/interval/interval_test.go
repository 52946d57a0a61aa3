package interval

import (
	"reflect"
	"testing"
)

func TestSimplify(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{"empty", nil, nil},
		{"single", []Interval{{3, 4}}, []Interval{{3, 4}}},
		{"adjacent merge", []Interval{{0, 1}, {1, 2}, {5, 6}}, []Interval{{0, 2}, {5, 6}}},
		{"unsorted overlap", []Interval{{5, 9}, {0, 3}, {2, 6}}, []Interval{{0, 9}}},
		{"contained", []Interval{{0, 10}, {2, 3}, {12, 13}}, []Interval{{0, 10}, {12, 13}}},
		{"gap kept", []Interval{{0, 1}, {2, 3}}, []Interval{{0, 1}, {2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Simplify(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Simplify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSimplifyDoesNotMutateInput(t *testing.T) {
	in := []Interval{{5, 6}, {0, 1}, {1, 2}}
	Simplify(in)
	if in[0] != (Interval{5, 6}) {
		t.Errorf("input was reordered: %v", in)
	}
}

func TestFractions(t *testing.T) {
	got := Fractions([]Interval{{0, 2}, {3, 4}}, 4)
	want := []Range{{0, 0.5}, {0.75, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Fractions = %v, want %v", got, want)
	}
	if got := Fractions([]Interval{{0, 1}}, 0); len(got) != 0 {
		t.Errorf("expected no ranges for zero total, got %v", got)
	}
}
