package threads

import "testing"

func TestFreezeResume(t *testing.T) {
	f, err := Freeze()
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if f.Count() < 0 {
		t.Errorf("Count = %d", f.Count())
	}
	moveErr := f.Retarget(func(ip uintptr) uintptr { return ip })
	if err := f.Resume(); err != nil {
		t.Errorf("Resume: %v", err)
	}
	if moveErr != nil {
		t.Errorf("Retarget: %v", moveErr)
	}
	var none *Frozen
	if none.Count() != 0 {
		t.Error("nil Frozen count")
	}
}
