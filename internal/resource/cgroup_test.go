package resource

import "testing"

func TestCheckStorageCapacityUnlimitedAlwaysFits(t *testing.T) {
	fits, headroom := CheckStorageCapacity(1<<40, 0)
	if !fits || headroom != 0 {
		t.Fatalf("fits=%v headroom=%d, want true/0 for an undetected limit", fits, headroom)
	}
}

func TestCheckStorageCapacityFitsWithHeadroom(t *testing.T) {
	limit := int64(512 * 1024 * 1024)
	storageMax := int64(128 * 1024 * 1024)
	fits, headroom := CheckStorageCapacity(storageMax, limit)
	if !fits {
		t.Fatalf("fits=false, want true: limit=%d storageMax=%d", limit, storageMax)
	}
	want := limit - runtimeReserveBytes - storageMax
	if headroom != want {
		t.Fatalf("headroom = %d, want %d", headroom, want)
	}
}

func TestCheckStorageCapacityExceedsLimit(t *testing.T) {
	limit := int64(128 * 1024 * 1024)
	storageMax := int64(256 * 1024 * 1024)
	fits, headroom := CheckStorageCapacity(storageMax, limit)
	if fits {
		t.Fatalf("fits=true, want false: limit=%d storageMax=%d", limit, storageMax)
	}
	if headroom >= 0 {
		t.Fatalf("headroom = %d, want negative", headroom)
	}
}
