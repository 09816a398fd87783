package virtio_test

import (
	"testing"

	"github.com/scarlet-project/scarlet/pkg/virtio"
)

func TestAllocDescriptorsChainsAndTerminates(t *testing.T) {
	q, err := virtio.NewQueue(4)
	if err != nil {
		t.Fatal(err)
	}

	head, err := q.AllocDescriptors([]virtio.Desc{
		{Addr: 0x1000, Len: 16},
		{Addr: 0x2000, Len: 32, Flags: virtio.FlagWrite},
	})
	if err != nil {
		t.Fatal(err)
	}

	first := q.Desc(head)
	if first.Flags&virtio.FlagNext == 0 {
		t.Fatalf("expected first descriptor to have FlagNext set")
	}
	second := q.Desc(first.Next)
	if second.Flags&virtio.FlagNext != 0 {
		t.Fatalf("expected last descriptor in chain to not have FlagNext")
	}
	if second.Flags&virtio.FlagWrite == 0 {
		t.Fatalf("expected second descriptor to carry FlagWrite")
	}
}

func TestNewQueueRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := virtio.NewQueue(3); err == nil {
		t.Fatalf("expected error for non-power-of-two queue size")
	}
}

func TestQueueExhaustionFailsAllocation(t *testing.T) {
	q, err := virtio.NewQueue(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.AllocDescriptors([]virtio.Desc{{}, {}, {}}); err == nil {
		t.Fatalf("expected allocation of more descriptors than queue size to fail")
	}
}

func TestNotifyHookFires(t *testing.T) {
	q, err := virtio.NewQueue(4)
	if err != nil {
		t.Fatal(err)
	}
	fired := false
	q.SetNotifyHook(func() { fired = true })
	head, _ := q.AllocDescriptors([]virtio.Desc{{Addr: 1, Len: 1}})
	q.PushAvailable(head)
	q.Notify()
	if !fired {
		t.Fatalf("expected notify hook to fire")
	}
}

func TestDeviceCompleteAndPopUsedRoundTrip(t *testing.T) {
	q, err := virtio.NewQueue(4)
	if err != nil {
		t.Fatal(err)
	}
	head, _ := q.AllocDescriptors([]virtio.Desc{{Addr: 1, Len: 8}})
	q.PushAvailable(head)

	if _, ok := q.PopUsed(); ok {
		t.Fatalf("expected no used entries before device completion")
	}

	q.DeviceCompleteHead(head, 8)
	elem, ok := q.PopUsed()
	if !ok {
		t.Fatalf("expected a used entry after device completion")
	}
	if elem.ID != head || elem.Len != 8 {
		t.Fatalf("used elem = %+v, want ID=%d Len=8", elem, head)
	}

	q.FreeChain(head)
}
