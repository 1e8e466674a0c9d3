package mqtt

import (
	"errors"
	"testing"
)

func TestStatusEncodeDecode(t *testing.T) {
	in := newStatus(StatusOnline, "bench-1", "")
	in.Host = "bench-1"
	in.Devices = []string{"camera", "stage"}

	out, err := DecodeStatus(in.Encode())
	if err != nil {
		t.Fatalf("DecodeStatus() = %v", err)
	}
	if !out.Online() || out.Host != "bench-1" || len(out.Devices) != 2 {
		t.Errorf("decoded %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestDecodeStatusRejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{}`,
		`{"status":"sleeping"}`,
	} {
		if _, err := DecodeStatus([]byte(payload)); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("DecodeStatus(%s) = %v, want ErrInvalidStatus", payload, err)
		}
	}
}

func TestHostFromStatusTopic(t *testing.T) {
	cases := []struct{ topic, want string }{
		{"microscope/host/bench-1/status", "bench-1"},
		{"microscope/host//status", ""},
		{"microscope/host/a/b/status", ""},
		{"microscope/host/bench-1/transition/cam", ""},
		{"microscope/system/status", ""},
		{Topics{}.HostStatus("scope-room-2"), "scope-room-2"},
	}
	for _, tc := range cases {
		if got := HostFromStatusTopic(tc.topic); got != tc.want {
			t.Errorf("HostFromStatusTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}
