package annindex

import "sync"

// gpuRegistry tracks which accelerator ids are currently pinned by a live
// Index. It is package-level storage (so distinct Index instances across
// the process agree on contention) but is not a process-wide state
// machine: it holds nothing but a set of claimed ids, and every claim is
// released by the owning Index's Close, keeping global mutable state to
// the minimum needed for an "at most one Index pinned per gpu_id" rule.
var gpuRegistry sync.Map // gpuID string -> struct{}

func acquireGPU(gpuID string) error {
	if gpuID == "" {
		return nil
	}
	if _, loaded := gpuRegistry.LoadOrStore(gpuID, struct{}{}); loaded {
		return ErrResourceBusy
	}
	return nil
}

func releaseGPU(gpuID string) {
	if gpuID == "" {
		return
	}
	gpuRegistry.Delete(gpuID)
}
