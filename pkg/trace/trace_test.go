package trace

import "testing"

func TestClassOf(t *testing.T) {
	cases := []struct {
		status int
		want   StatusClass
	}{
		{100, ClassInformational},
		{204, ClassSuccess},
		{301, ClassRedirect},
		{404, ClassClientError},
		{503, ClassServerError},
		{StatusFailed, ClassFailure},
		{0, ClassFailure},
		{700, ClassFailure},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.status); got != tc.want {
			t.Errorf("ClassOf(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassRange(t *testing.T) {
	lo, hi, ok := ClassRange(ClassServerError)
	if !ok || lo != 500 || hi != 599 {
		t.Fatalf("unexpected server_error range: %d-%d (%v)", lo, hi, ok)
	}
	if _, _, ok := ClassRange(ClassFailure); ok {
		t.Fatal("failure has no numeric range")
	}
}

func TestParseClass(t *testing.T) {
	for raw, want := range map[string]StatusClass{
		"success":        ClassSuccess,
		"2xx":            ClassSuccess,
		" Server_Error ": ClassServerError,
		"5XX":            ClassServerError,
		"failure":        ClassFailure,
	} {
		got, err := ParseClass(raw)
		if err != nil || got != want {
			t.Errorf("ParseClass(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := ParseClass("weird"); err == nil {
		t.Fatal("unknown class must be rejected")
	}
}
