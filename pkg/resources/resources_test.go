package resources

import (
	"context"
	"testing"

	"github.com/quartzlink/rmemd/pkg/verbs/mock"
)

func TestOpenAssignsCQsRoundRobin(t *testing.T) {
	dev := mock.NewDevice("test0")
	shared, err := Open(context.Background(), dev, 1, 4, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer shared.Close()

	first := shared.NextCQ()
	seenDistinct := false
	for i := 0; i < 3; i++ {
		if shared.NextCQ() != first {
			seenDistinct = true
		}
	}
	if !seenDistinct {
		t.Fatal("expected round-robin to eventually assign a different CQ")
	}

	// first + the 3-call loop above already completed one full cycle of 4;
	// the next call should wrap back to the first CQ.
	if shared.NextCQ() != first {
		t.Fatal("expected round-robin to wrap back to the first CQ after a full cycle")
	}
}

func TestBufferPoolAllocFree(t *testing.T) {
	dev := mock.NewDevice("test0")
	shared, err := Open(context.Background(), dev, 1, 2, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer shared.Close()

	want := 2 * 4
	if shared.Buffers.Available() != want {
		t.Fatalf("available = %d, want %d", shared.Buffers.Available(), want)
	}

	buf, id, mr, err := shared.Buffers.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != BufferSize {
		t.Fatalf("buffer length = %d, want %d", len(buf), BufferSize)
	}
	if mr == nil {
		t.Fatal("expected non-nil memory region")
	}
	if shared.Buffers.Available() != want-1 {
		t.Fatalf("available after alloc = %d, want %d", shared.Buffers.Available(), want-1)
	}

	shared.Buffers.Free(id)
	if shared.Buffers.Available() != want {
		t.Fatalf("available after free = %d, want %d", shared.Buffers.Available(), want)
	}
}

func TestBufferPoolExhaustion(t *testing.T) {
	dev := mock.NewDevice("test0")
	shared, err := Open(context.Background(), dev, 1, 1, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer shared.Close()

	// maxClients=1 => 2 buffers total
	for i := 0; i < 2; i++ {
		if _, _, _, err := shared.Buffers.Alloc(); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, _, _, err := shared.Buffers.Alloc(); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
}
