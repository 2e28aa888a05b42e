package frame

import "testing"

func TestDataPtrIdentityAcrossSharedBacking(t *testing.T) {
	buf := make([]byte, 8)
	f1 := Frame{Kind: KindAudio, Data: buf, Size: len(buf)}
	f2 := Frame{Kind: KindAudio, Data: buf[:4], Size: 4}
	if DataPtr(f1) != DataPtr(f2) {
		t.Fatalf("expected identical identity for slices sharing a backing array")
	}
}

func TestDataPtrDistinctForDistinctBuffers(t *testing.T) {
	f1 := Frame{Data: make([]byte, 4)}
	f2 := Frame{Data: make([]byte, 4)}
	if DataPtr(f1) == DataPtr(f2) {
		t.Fatalf("expected distinct identities for distinct buffers")
	}
}

func TestDataPtrZeroForEmpty(t *testing.T) {
	if DataPtr(Frame{}) != 0 {
		t.Fatalf("expected zero identity for an empty frame")
	}
}

func TestHasCodec(t *testing.T) {
	cases := []struct {
		tag  string
		want bool
	}{{"", false}, {"none", false}, {"pcm_s16le", true}}
	for _, c := range cases {
		if got := (AudioInfo{CodecTag: c.tag}).HasCodec(); got != c.want {
			t.Errorf("AudioInfo{%q}.HasCodec() = %v, want %v", c.tag, got, c.want)
		}
		if got := (VideoInfo{CodecTag: c.tag}).HasCodec(); got != c.want {
			t.Errorf("VideoInfo{%q}.HasCodec() = %v, want %v", c.tag, got, c.want)
		}
	}
}
