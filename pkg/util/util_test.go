package utils

import "testing"

func TestContains(t *testing.T) {
	tests := []struct {
		value    string
		list     []string
		expected bool
	}{
		{"10.0.0.1", []string{"10.0.0.1", "10.0.0.2"}, true},
		{"10.0.0.3", []string{"10.0.0.1", "10.0.0.2"}, false},
		{"10.0.0.1", nil, false},
	}

	for _, v := range tests {
		if actual := Contains(v.value, v.list); actual != v.expected {
			t.Fatalf("unexpected result for %v: expected=%v, actual=%v", v.value, v.expected, actual)
		}
	}
}

func TestRandomStringDeterministicForSeed(t *testing.T) {
	a := CreateRandomstringGenerator(42).GetRandomString(8)
	b := CreateRandomstringGenerator(42).GetRandomString(8)
	if a != b {
		t.Fatalf("unexpected random string: expected=%v, actual=%v", a, b)
	}
	if len(a) != 8 {
		t.Fatalf("unexpected length: expected=%v, actual=%v", 8, len(a))
	}
}
