package validation

import "testing"

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "valid uuid", id: "7b1c1cbe-2f9a-4f05-9c65-3f6f9a2e4d11", want: true},
		{name: "uppercase uuid", id: "7B1C1CBE-2F9A-4F05-9C65-3F6F9A2E4D11", want: true},
		{name: "empty", id: "", want: false},
		{name: "not a uuid", id: "request-1", want: false},
		{name: "truncated", id: "7b1c1cbe-2f9a-4f05-9c65", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidRequestID(tt.id); got != tt.want {
				t.Errorf("IsValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
