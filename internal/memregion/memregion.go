// Package memregion reserves a single large virtual span up front and
// activates/deactivates per-task slots within it on demand (spec.md
// §4.1). Physical memory is only ever committed for the slots currently
// in use; the reservation itself never grows or shrinks.
package memregion

import (
	"encoding/binary"
	"fmt"

	"github.com/GssMahadevan/gvthread/internal/platform"
)

const (
	// MetadataPageSize holds the task.Metadata control block.
	MetadataPageSize = 4096
	// GuardPageSize stays permanently PROT_NONE so a stack overflow
	// faults instead of silently corrupting the metadata page.
	GuardPageSize = 4096
)

// Region is the reserved virtual span backing every task slot. The only
// bytes this package reads or writes are the Stamp canary at the start
// of each slot's metadata page; the stack area is activated and
// deactivated with the slot, but task bodies run on goroutine stacks,
// not on it. The live
// task.Metadata value for a slot is kept as an ordinary Go value in the
// scheduler's slot table rather than cast from this page - placing a
// struct with Go pointers (closures, the result/waiters pointers) in
// GC-invisible mmap'd memory would corrupt the garbage collector's
// reachability scan.
type Region struct {
	mem      []byte
	slotSize int
	maxTasks int
}

// New reserves slotSize*maxTasks bytes of address space with no access.
func New(slotSize, maxTasks int) (*Region, error) {
	if slotSize <= MetadataPageSize+GuardPageSize {
		return nil, fmt.Errorf("memregion: slot size %d too small for metadata+guard pages", slotSize)
	}
	mem, err := platform.ReserveAnonymous(slotSize * maxTasks)
	if err != nil {
		return nil, fmt.Errorf("memregion: %w", err)
	}
	return &Region{mem: mem, slotSize: slotSize, maxTasks: maxTasks}, nil
}

// Close releases the entire reservation. Only called at Runtime
// shutdown.
func (r *Region) Close() error {
	return platform.Unreserve(r.mem)
}

// slotOffset gives the byte offset of slot id within the region - O(1)
// id<->address translation (spec.md §4.1).
func (r *Region) slotOffset(id uint32) int {
	return int(id) * r.slotSize
}

// Activate grants read/write access to slot id's metadata page and
// stack area, leaving the guard page between them untouched (and thus
// still PROT_NONE, since the reservation starts with no access at
// all). Returns the mprotect error if either call fails (e.g. on OOM);
// it does not abort the process.
func (r *Region) Activate(id uint32) error {
	base := r.slotOffset(id)
	if err := platform.Activate(r.mem, base, MetadataPageSize); err != nil {
		return fmt.Errorf("memregion: activate metadata page for slot %d: %w", id, err)
	}
	stackOff := base + MetadataPageSize + GuardPageSize
	stackLen := r.slotSize - MetadataPageSize - GuardPageSize
	if err := platform.Activate(r.mem, stackOff, stackLen); err != nil {
		return fmt.Errorf("memregion: activate stack for slot %d: %w", id, err)
	}
	return nil
}

// Deactivate advises the kernel to drop the slot's physical pages,
// keeping the virtual reservation intact for reuse.
func (r *Region) Deactivate(id uint32) error {
	base := r.slotOffset(id)
	if err := platform.Deactivate(r.mem, base, MetadataPageSize); err != nil {
		return fmt.Errorf("memregion: deactivate metadata page for slot %d: %w", id, err)
	}
	stackOff := base + MetadataPageSize + GuardPageSize
	stackLen := r.slotSize - MetadataPageSize - GuardPageSize
	if err := platform.Deactivate(r.mem, stackOff, stackLen); err != nil {
		return fmt.Errorf("memregion: deactivate stack for slot %d: %w", id, err)
	}
	return nil
}

// canaryMagic marks a metadata page as currently owned by a live task;
// it is distinct from any plausible generation counter value so a
// corrupted or stale page is distinguishable from an honestly-zeroed
// one.
const canaryMagic = 0x6776_7468 // "gvth"

// Stamp writes a liveness canary into slot id's own metadata page - the
// only read/write traffic this package ever directs at the memory it
// reserves and activates, since task.Metadata itself lives as an
// ordinary Go heap value (see the Region doc comment). Called once per
// spawn, right after Activate grants the page read/write access.
func (r *Region) Stamp(id uint32, generation uint32) {
	page := r.metadataPage(id)
	binary.LittleEndian.PutUint32(page[0:4], canaryMagic)
	binary.LittleEndian.PutUint32(page[4:8], generation)
}

// VerifyStamp reads slot id's canary back and reports whether it still
// carries the magic and generation Stamp wrote for it - a cheap sanity
// check, run at finish before Deactivate, that the slot's committed
// page was never silently reclaimed or overwritten out from under a
// running task.
func (r *Region) VerifyStamp(id uint32, generation uint32) bool {
	page := r.metadataPage(id)
	return binary.LittleEndian.Uint32(page[0:4]) == canaryMagic &&
		binary.LittleEndian.Uint32(page[4:8]) == generation
}

func (r *Region) metadataPage(id uint32) []byte {
	base := r.slotOffset(id)
	return r.mem[base : base+MetadataPageSize]
}

// StackTop returns the (16-byte-aligned) top-of-stack address for slot
// id: the top of the slot, from which the stack grows down toward the
// guard page.
func (r *Region) StackTop(id uint32) uintptr {
	base := r.slotOffset(id)
	top := platform.PointerOf(r.mem) + uintptr(base+r.slotSize)
	return top &^ 0xF
}

// SlotSize returns the configured per-task virtual extent.
func (r *Region) SlotSize() int { return r.slotSize }

// MaxTasks returns the configured slot count.
func (r *Region) MaxTasks() int { return r.maxTasks }
