package resource

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimitBytes returns the container memory limit in bytes, read
// straight from the cgroup filesystem. It tries cgroup v2 first
// (/sys/fs/cgroup/memory.max), then falls back to cgroup v1
// (/sys/fs/cgroup/memory/memory.limit_in_bytes). Returns 0 with a nil
// error when neither file exists (bare metal, or a non-Linux host) or when
// cgroup v2 reports "max". A cgroup v1 hierarchy without a limit reports a
// very large number, which is returned as is.
func MemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit == "max" {
			return 0, nil
		}
		return strconv.ParseInt(limit, 10, 64)
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// CheckStorageCapacity compares the configured STORAGE_MAX_SIZE against
// the container memory limit and reports whether the store, at full
// capacity plus the fixed runtime reserve, fits under it (fits=false means
// it could be OOM-killed). A zero limit (unlimited or undetectable) always
// passes.
func CheckStorageCapacity(storageMaxSize int64, limitBytes int64) (fits bool, headroom int64) {
	if limitBytes == 0 {
		return true, 0
	}
	headroom = limitBytes - runtimeReserveBytes - storageMaxSize
	return headroom >= 0, headroom
}

// runtimeReserveBytes approximates the Go runtime's own footprint
// (heap, goroutine stacks, buffer pools) outside of stored file content,
// reserved before comparing STORAGE_MAX_SIZE against a detected cgroup
// memory limit.
const runtimeReserveBytes = 64 * 1024 * 1024
